package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
	"github.com/SrivatsaRv/documo/synth"
)

var publishEvent = event.Event{
	Repository:  "github.com/acme/widgets",
	Revision:    "abc123",
	Source:      event.SourceGitHub,
	PullRequest: 42,
}

func testDoc() *synth.Document {
	return &synth.Document{
		Summary: "Adds widget support.",
		Usage:   synth.Usage{TotalTokens: 1500, PromptTokens: 1000, CompletionTokens: 500},
	}
}

// fakeGitHub is a minimal comments API: POST appends, GET lists.
type fakeGitHub struct {
	mu       sync.Mutex
	comments []string
	posts    int
	failWith int // when non-zero, POST returns this status
}

func (f *fakeGitHub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodPost:
			f.posts++
			if f.failWith != 0 {
				w.WriteHeader(f.failWith)
				return
			}
			var payload struct {
				Body string `json:"body"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			f.comments = append(f.comments, payload.Body)
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			out := make([]map[string]string, 0, len(f.comments))
			for _, c := range f.comments {
				out = append(out, map[string]string{"body": c})
			}
			json.NewEncoder(w).Encode(out)
		}
	}
}

func newGitHubPublisher(t *testing.T, fake *fakeGitHub) *GitHubPublisher {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	p := NewGitHubPublisher(srv.URL, "gh-token", zap.NewNop().Sugar())
	p.SetHTTPClient(srv.Client())
	return p
}

func TestGitHubPublishAndVerify(t *testing.T) {
	fake := &fakeGitHub{}
	p := newGitHubPublisher(t, fake)

	require.NoError(t, p.Publish(context.Background(), publishEvent, testDoc(), "intent-1"))
	require.Len(t, fake.comments, 1)

	body := fake.comments[0]
	assert.Contains(t, body, "<!-- documo:intent:intent-1 -->")
	assert.Contains(t, body, "## 📚 Documentation Summary")
	assert.Contains(t, body, "Adds widget support.")
	assert.Contains(t, body, "Total Tokens: 1500")
	assert.Contains(t, body, "$0.0450 USD")

	found, err := p.Verify(context.Background(), publishEvent, "intent-1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = p.Verify(context.Background(), publishEvent, "other-intent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGitHubVerifyDetectsLostAck(t *testing.T) {
	fake := &fakeGitHub{}
	p := newGitHubPublisher(t, fake)

	// The comment landed even though the caller never saw the 201.
	require.NoError(t, p.Publish(context.Background(), publishEvent, testDoc(), "intent-1"))

	found, err := p.Verify(context.Background(), publishEvent, "intent-1")
	require.NoError(t, err)
	require.True(t, found)

	// A verifying caller does not post again, so exactly one comment.
	assert.Equal(t, 1, fake.posts)
	assert.Len(t, fake.comments, 1)
}

func TestGitHubPublishErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusForbidden, errors.IsAccessDenied, "forbidden"},
		{http.StatusNotFound, errors.IsNotFound, "not found"},
		{http.StatusTooManyRequests, errors.IsRateLimited, "rate limited"},
		{http.StatusBadGateway, errors.IsTransient, "bad gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeGitHub{failWith: tc.status}
			p := newGitHubPublisher(t, fake)

			err := p.Publish(context.Background(), publishEvent, testDoc(), "intent-1")
			require.Error(t, err)
			assert.True(t, tc.check(err))
		})
	}
}

func TestGitHubRateLimitRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewGitHubPublisher(srv.URL, "gh-token", zap.NewNop().Sugar())
	p.SetHTTPClient(srv.Client())

	err := p.Publish(context.Background(), publishEvent, testDoc(), "intent-1")
	require.Error(t, err)
	after, ok := errors.RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 12*time.Second, after)
}

func TestGitHubWrongHost(t *testing.T) {
	p := NewGitHubPublisher("https://api.github.com", "gh-token", zap.NewNop().Sugar())
	ev := publishEvent
	ev.Repository = "gitlab.com/acme/widgets"

	err := p.Publish(context.Background(), ev, testDoc(), "intent-1")
	require.Error(t, err)
}

func TestGitLabPublishAndVerify(t *testing.T) {
	var notes []string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				Body string `json:"body"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			notes = append(notes, payload.Body)
			assert.Equal(t, "gl-token", r.Header.Get("PRIVATE-TOKEN"))
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			out := make([]map[string]string, 0, len(notes))
			for _, n := range notes {
				out = append(out, map[string]string{"body": n})
			}
			json.NewEncoder(w).Encode(out)
		}
	}))
	defer srv.Close()

	p := NewGitLabPublisher(srv.URL, "gl-token", zap.NewNop().Sugar())
	p.SetHTTPClient(srv.Client())

	ev := publishEvent
	ev.Source = event.SourceGitLab
	ev.Repository = "gitlab.com/acme/widgets"

	require.NoError(t, p.Publish(context.Background(), ev, testDoc(), "intent-9"))
	// Project path is URL-encoded in the endpoint.
	assert.Contains(t, gotPath, "acme%2Fwidgets")
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "<!-- documo:intent:intent-9 -->")

	found, err := p.Verify(context.Background(), ev, "intent-9")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRouterDispatchesBySource(t *testing.T) {
	fake := &fakeGitHub{}
	gh := newGitHubPublisher(t, fake)
	router := NewRouter(gh, nil)

	require.NoError(t, router.Publish(context.Background(), publishEvent, testDoc(), "intent-1"))
	assert.Len(t, fake.comments, 1)

	ev := publishEvent
	ev.Source = event.SourceGitLab
	err := router.Publish(context.Background(), ev, testDoc(), "intent-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no publisher configured")
}

func TestVerifyPaginates(t *testing.T) {
	// 100 filler comments on page one push the marker to page two.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var out []map[string]string
		if page == "1" {
			for i := 0; i < 100; i++ {
				out = append(out, map[string]string{"body": fmt.Sprintf("noise %d", i)})
			}
		} else {
			out = append(out, map[string]string{"body": intentMarker("intent-deep")})
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	p := NewGitHubPublisher(srv.URL, "gh-token", zap.NewNop().Sugar())
	p.SetHTTPClient(srv.Client())

	found, err := p.Verify(context.Background(), publishEvent, "intent-deep")
	require.NoError(t, err)
	assert.True(t, found)
}
