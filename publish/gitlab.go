package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
	"github.com/SrivatsaRv/documo/internal/httpclient"
	"github.com/SrivatsaRv/documo/synth"
)

// GitLabPublisher posts documentation as a merge request note.
type GitLabPublisher struct {
	baseURL    string
	token      string
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

func NewGitLabPublisher(baseURL, token string, logger *zap.SugaredLogger) *GitLabPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GitLabPublisher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpclient.NewSaferClient(30 * time.Second),
		logger:     logger.Named("publish"),
	}
}

func (p *GitLabPublisher) Publish(ctx context.Context, ev event.Event, doc *synth.Document, intent string) error {
	project, err := repoFullName(ev.Repository, "gitlab.com/")
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"body": buildComment(doc, intent)})
	if err != nil {
		return errors.Wrap(err, "failed to marshal note")
	}

	endpoint := fmt.Sprintf("%s/projects/%s/merge_requests/%d/notes",
		p.baseURL, url.PathEscape(project), ev.PullRequest)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.MarkTransient(errors.Wrap(err, "failed to post note"))
	}
	defer resp.Body.Close()

	if err := classifyResponse(resp, http.StatusCreated, "create note"); err != nil {
		return err
	}

	p.logger.Infow("Published documentation note",
		"repository", ev.Repository,
		"merge_request", ev.PullRequest)
	return nil
}

func (p *GitLabPublisher) Verify(ctx context.Context, ev event.Event, intent string) (bool, error) {
	project, err := repoFullName(ev.Repository, "gitlab.com/")
	if err != nil {
		return false, err
	}

	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/projects/%s/merge_requests/%d/notes?per_page=100&page=%d",
			p.baseURL, url.PathEscape(project), ev.PullRequest, page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false, errors.Wrap(err, "failed to create request")
		}
		p.setHeaders(req)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, errors.MarkTransient(errors.Wrap(err, "failed to list notes"))
		}

		var notes []struct {
			Body string `json:"body"`
		}
		decodeErr := func() error {
			defer resp.Body.Close()
			if err := classifyResponse(resp, http.StatusOK, "list notes"); err != nil {
				return err
			}
			return json.NewDecoder(resp.Body).Decode(&notes)
		}()
		if decodeErr != nil {
			return false, decodeErr
		}

		for _, n := range notes {
			if containsIntent(n.Body, intent) {
				return true, nil
			}
		}
		if len(notes) < 100 {
			return false, nil
		}
	}
}

func (p *GitLabPublisher) setHeaders(req *http.Request) {
	req.Header.Set("PRIVATE-TOKEN", p.token)
	req.Header.Set("Content-Type", "application/json")
}

// SetHTTPClient overrides the HTTP client. Only for tests.
func (p *GitLabPublisher) SetHTTPClient(client *http.Client) {
	p.httpClient = httpclient.WrapClient(client)
}
