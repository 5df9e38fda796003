package event

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/SrivatsaRv/documo/errors"
)

// Header names checked during validation.
const (
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderGitHubEvent     = "X-Github-Event"
	HeaderGitHubDelivery  = "X-Github-Delivery"
	HeaderGitLabToken     = "X-Gitlab-Token"
	HeaderGitLabEvent     = "X-Gitlab-Event"
)

// ErrIgnored marks a delivery that is authentic and well-formed but carries
// nothing to document (e.g. a non-pull-request event type, or a PR close
// without a merge). The boundary acknowledges these as no-ops.
var ErrIgnored = errors.New("event ignored")

// IsIgnored checks if an error is or wraps ErrIgnored
func IsIgnored(err error) bool {
	return err != nil && errors.Is(err, ErrIgnored)
}

// Validator verifies delivery authenticity and parses deliveries into
// normalized Events. It is a pure function of its inputs: no side effects
// beyond parsing.
type Validator struct {
	githubSecret []byte
	gitlabToken  string
}

// NewValidator creates a validator with per-source credentials. An empty
// credential disables that source: its deliveries fail verification.
func NewValidator(githubSecret, gitlabToken string) *Validator {
	return &Validator{
		githubSecret: []byte(githubSecret),
		gitlabToken:  gitlabToken,
	}
}

// Validate verifies the delivery's authenticity and normalizes it into an
// Event. Signature failures return ErrUnauthorized before the body is ever
// parsed; unparseable bodies and unrecognized actions return ErrMalformed.
func (v *Validator) Validate(d Delivery) (*Event, error) {
	switch d.Source {
	case SourceGitHub:
		return v.validateGitHub(d)
	case SourceGitLab:
		return v.validateGitLab(d)
	default:
		return nil, errors.Wrapf(errors.ErrMalformed, "unknown source %q", d.Source)
	}
}

func (v *Validator) validateGitHub(d Delivery) (*Event, error) {
	if err := v.verifyGitHubSignature(d.Body, d.Headers[HeaderGitHubSignature]); err != nil {
		return nil, err
	}

	// Only pull_request events carry a documentation target.
	if eventType := d.Headers[HeaderGitHubEvent]; eventType != "pull_request" {
		return nil, errors.Wrapf(ErrIgnored, "github event type %q", eventType)
	}

	return parseGitHub(d)
}

// verifyGitHubSignature checks the X-Hub-Signature-256 header: HMAC-SHA256
// of the raw body keyed with the webhook secret, constant-time compared.
func (v *Validator) verifyGitHubSignature(body []byte, signature string) error {
	if len(v.githubSecret) == 0 {
		return errors.Wrap(errors.ErrUnauthorized, "github webhook secret not configured")
	}
	if signature == "" {
		return errors.Wrap(errors.ErrUnauthorized, "missing signature header")
	}

	mac := hmac.New(sha256.New, v.githubSecret)
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.Wrap(errors.ErrUnauthorized, "signature mismatch")
	}
	return nil
}

func (v *Validator) validateGitLab(d Delivery) (*Event, error) {
	if v.gitlabToken == "" {
		return nil, errors.Wrap(errors.ErrUnauthorized, "gitlab webhook token not configured")
	}
	if subtle.ConstantTimeCompare([]byte(v.gitlabToken), []byte(d.Headers[HeaderGitLabToken])) != 1 {
		return nil, errors.Wrap(errors.ErrUnauthorized, "webhook token mismatch")
	}

	if eventType := d.Headers[HeaderGitLabEvent]; eventType != "Merge Request Hook" {
		return nil, errors.Wrapf(ErrIgnored, "gitlab event type %q", eventType)
	}

	return parseGitLab(d)
}

// githubPayload is the subset of the pull_request event body we consume.
type githubPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	PullRequest *struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

func parseGitHub(d Delivery) (*Event, error) {
	var payload githubPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	if payload.PullRequest == nil {
		return nil, errors.Wrap(errors.ErrMalformed, "payload has no pull_request")
	}

	var action Action
	switch payload.Action {
	case "opened", "reopened":
		action = ActionOpened
	case "synchronize", "edited":
		action = ActionUpdated
	case "closed":
		if !payload.PullRequest.Merged {
			// Closed without merging: nothing to document.
			return nil, errors.Wrap(ErrIgnored, "pull request closed without merge")
		}
		action = ActionMerged
	default:
		return nil, errors.Wrapf(errors.ErrMalformed, "unrecognized action %q", payload.Action)
	}

	if payload.Repository.FullName == "" || payload.PullRequest.Head.SHA == "" {
		return nil, errors.Wrap(errors.ErrMalformed, "payload missing repository or head revision")
	}

	return &Event{
		ID:          d.ID,
		Repository:  "github.com/" + payload.Repository.FullName,
		Revision:    payload.PullRequest.Head.SHA,
		Action:      action,
		Source:      SourceGitHub,
		PullRequest: payload.PullRequest.Number,
		CloneURL:    payload.Repository.CloneURL,
		Branch:      payload.PullRequest.Head.Ref,
	}, nil
}

// gitlabPayload is the subset of the merge_request hook body we consume.
type gitlabPayload struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
		GitHTTPURL        string `json:"git_http_url"`
	} `json:"project"`
	ObjectAttributes *struct {
		IID          int    `json:"iid"`
		Action       string `json:"action"`
		SourceBranch string `json:"source_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
}

func parseGitLab(d Delivery) (*Event, error) {
	var payload gitlabPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return nil, errors.Wrap(errors.ErrMalformed, err.Error())
	}
	if payload.ObjectKind != "merge_request" || payload.ObjectAttributes == nil {
		return nil, errors.Wrap(errors.ErrMalformed, "payload is not a merge request")
	}

	var action Action
	switch payload.ObjectAttributes.Action {
	case "open", "reopen":
		action = ActionOpened
	case "update":
		action = ActionUpdated
	case "merge":
		action = ActionMerged
	case "close":
		return nil, errors.Wrap(ErrIgnored, "merge request closed without merge")
	default:
		return nil, errors.Wrapf(errors.ErrMalformed, "unrecognized action %q", payload.ObjectAttributes.Action)
	}

	if payload.Project.PathWithNamespace == "" || payload.ObjectAttributes.LastCommit.ID == "" {
		return nil, errors.Wrap(errors.ErrMalformed, "payload missing project or last commit")
	}

	return &Event{
		ID:          d.ID,
		Repository:  "gitlab.com/" + payload.Project.PathWithNamespace,
		Revision:    payload.ObjectAttributes.LastCommit.ID,
		Action:      action,
		Source:      SourceGitLab,
		PullRequest: payload.ObjectAttributes.IID,
		CloneURL:    payload.Project.GitHTTPURL,
		Branch:      payload.ObjectAttributes.SourceBranch,
	}, nil
}
