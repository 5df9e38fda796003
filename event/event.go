// Package event normalizes webhook deliveries from source-control hosts
// into one canonical Event and verifies their authenticity.
package event

import "fmt"

// Source identifies the source-control host a delivery came from.
type Source string

const (
	SourceGitHub Source = "github"
	SourceGitLab Source = "gitlab"
)

// Action is the pull-request lifecycle action carried by an event.
type Action string

const (
	ActionOpened  Action = "opened"
	ActionUpdated Action = "updated"
	ActionMerged  Action = "merged"
)

// Priority orders actions for the dispatch queue: merged > updated > opened.
func (a Action) Priority() int {
	switch a {
	case ActionMerged:
		return 2
	case ActionUpdated:
		return 1
	default:
		return 0
	}
}

// Key is the idempotency key: one documentation run per (repository, revision).
// The delivery ID is deliberately not part of the key — hosts redeliver the
// same logical event under fresh delivery IDs.
type Key struct {
	Repository string `json:"repository"`
	Revision   string `json:"revision"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Repository, k.Revision)
}

// Event is the normalized webhook payload.
type Event struct {
	// ID is the host's delivery identifier. Unique per delivery attempt,
	// NOT per logical event.
	ID string `json:"id"`
	// Repository is the stable repository identifier: host/owner/name.
	Repository string `json:"repository"`
	// Revision is the commit being evaluated (the documentation target key).
	Revision string `json:"revision"`
	Action   Action `json:"action"`
	Source   Source `json:"source"`
	// PullRequest is the PR/MR number the documentation comment is posted to.
	PullRequest int `json:"pull_request"`
	// CloneURL is where the fetcher materializes the repository from.
	CloneURL string `json:"clone_url"`
	// Branch is the head ref name, kept for logging and doc headers.
	Branch string `json:"branch"`
}

// Key returns the event's idempotency key.
func (e *Event) Key() Key {
	return Key{Repository: e.Repository, Revision: e.Revision}
}

// Delivery is one raw HTTP transmission of a webhook event.
type Delivery struct {
	Source  Source
	ID      string            // host delivery ID header, may be empty
	Headers map[string]string // signature/token/event-type headers
	Body    []byte            // raw body, HMAC is computed over these bytes
}
