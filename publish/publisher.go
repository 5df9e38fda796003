package publish

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
	"github.com/SrivatsaRv/documo/synth"
)

// Publisher posts a document to the code host. Publish must be idempotent
// per intent token: a retried Publish after a lost acknowledgement either
// posts once or detects the earlier post via Verify.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event, doc *synth.Document, intent string) error
	Verify(ctx context.Context, ev event.Event, intent string) (bool, error)
}

// Router dispatches to the publisher for the event's source.
type Router struct {
	github *GitHubPublisher
	gitlab *GitLabPublisher
}

func NewRouter(github *GitHubPublisher, gitlab *GitLabPublisher) *Router {
	return &Router{github: github, gitlab: gitlab}
}

func (r *Router) Publish(ctx context.Context, ev event.Event, doc *synth.Document, intent string) error {
	p, err := r.forSource(ev.Source)
	if err != nil {
		return err
	}
	return p.Publish(ctx, ev, doc, intent)
}

func (r *Router) Verify(ctx context.Context, ev event.Event, intent string) (bool, error) {
	p, err := r.forSource(ev.Source)
	if err != nil {
		return false, err
	}
	return p.Verify(ctx, ev, intent)
}

func (r *Router) forSource(source event.Source) (Publisher, error) {
	switch source {
	case event.SourceGitHub:
		if r.github == nil {
			return nil, errors.Newf("no publisher configured for %s", source)
		}
		return r.github, nil
	case event.SourceGitLab:
		if r.gitlab == nil {
			return nil, errors.Newf("no publisher configured for %s", source)
		}
		return r.gitlab, nil
	default:
		return nil, errors.Newf("unknown source %q", source)
	}
}

// classifyResponse maps a code host response onto the error taxonomy.
// want is the success status.
func classifyResponse(resp *http.Response, want int, what string) error {
	if resp.StatusCode == want {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(errors.ErrAccessDenied, "%s: status %d", what, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(errors.ErrNotFound, "%s: status %d", what, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		err := errors.Wrapf(errors.ErrRateLimited, "%s: status %d", what, resp.StatusCode)
		if after, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			err = errors.WithRetryAfter(err, after)
		}
		return err
	case resp.StatusCode >= 500:
		return errors.MarkTransient(errors.Newf("%s: status %d: %s", what, resp.StatusCode, body))
	default:
		return errors.Newf("%s: status %d: %s", what, resp.StatusCode, body)
	}
}

func retryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
