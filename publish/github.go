package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
	"github.com/SrivatsaRv/documo/internal/httpclient"
	"github.com/SrivatsaRv/documo/synth"
)

// GitHubPublisher posts documentation as a pull request issue comment.
type GitHubPublisher struct {
	baseURL    string
	token      string
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

func NewGitHubPublisher(baseURL, token string, logger *zap.SugaredLogger) *GitHubPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GitHubPublisher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpclient.NewSaferClient(30 * time.Second),
		logger:     logger.Named("publish"),
	}
}

// Publish creates the comment. Safe to retry with the same intent: callers
// should Verify first when a previous attempt may have landed.
func (p *GitHubPublisher) Publish(ctx context.Context, ev event.Event, doc *synth.Document, intent string) error {
	fullName, err := repoFullName(ev.Repository, "github.com/")
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"body": buildComment(doc, intent)})
	if err != nil {
		return errors.Wrap(err, "failed to marshal comment")
	}

	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", p.baseURL, fullName, ev.PullRequest)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.MarkTransient(errors.Wrap(err, "failed to post comment"))
	}
	defer resp.Body.Close()

	if err := classifyResponse(resp, http.StatusCreated, "create comment"); err != nil {
		return err
	}

	p.logger.Infow("Published documentation comment",
		"repository", ev.Repository,
		"pull_request", ev.PullRequest)
	return nil
}

// Verify lists the pull request's comments and reports whether one carries
// the intent marker.
func (p *GitHubPublisher) Verify(ctx context.Context, ev event.Event, intent string) (bool, error) {
	fullName, err := repoFullName(ev.Repository, "github.com/")
	if err != nil {
		return false, err
	}

	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/issues/%d/comments?per_page=100&page=%d",
			p.baseURL, fullName, ev.PullRequest, page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, errors.Wrap(err, "failed to create request")
		}
		p.setHeaders(req)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, errors.MarkTransient(errors.Wrap(err, "failed to list comments"))
		}

		var comments []struct {
			Body string `json:"body"`
		}
		decodeErr := func() error {
			defer resp.Body.Close()
			if err := classifyResponse(resp, http.StatusOK, "list comments"); err != nil {
				return err
			}
			return json.NewDecoder(resp.Body).Decode(&comments)
		}()
		if decodeErr != nil {
			return false, decodeErr
		}

		for _, c := range comments {
			if containsIntent(c.Body, intent) {
				return true, nil
			}
		}
		if len(comments) < 100 {
			return false, nil
		}
	}
}

func (p *GitHubPublisher) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+p.token)
}

// SetHTTPClient overrides the HTTP client. Only for tests.
func (p *GitHubPublisher) SetHTTPClient(client *http.Client) {
	p.httpClient = httpclient.WrapClient(client)
}

// repoFullName strips the host prefix from a normalized repository name.
func repoFullName(repository, hostPrefix string) (string, error) {
	if !strings.HasPrefix(repository, hostPrefix) {
		return "", errors.Newf("repository %q does not belong to %s", repository, strings.TrimSuffix(hostPrefix, "/"))
	}
	return strings.TrimPrefix(repository, hostPrefix), nil
}
