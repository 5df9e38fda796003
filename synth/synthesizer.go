package synth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
	"github.com/SrivatsaRv/documo/fetch"
)

const (
	docSystemPrompt     = "You are a documentation expert. Generate clear, concise, and helpful documentation."
	summarySystemPrompt = "You are a documentation expert. Create clear and concise summaries."
)

// Document is the synthesized output for one revision: a per-file breakdown
// plus the summary destined for the review comment.
type Document struct {
	Summary      string
	FileDocs     map[string]string
	Usage        Usage
	ScopeReduced bool
}

// ChatClient is the completion surface the synthesizer needs.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Synthesizer documents a snapshot file by file, then distills a summary.
type Synthesizer struct {
	client ChatClient
	logger *zap.SugaredLogger
}

func NewSynthesizer(client ChatClient, logger *zap.SugaredLogger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Synthesizer{client: client, logger: logger.Named("synth")}
}

// Synthesize documents every file in the snapshot and produces a summary.
// If the summary comes back malformed, it is retried once over a reduced
// scope before the run is declared a synthesis failure.
func (s *Synthesizer) Synthesize(ctx context.Context, ev event.Event, snap *fetch.Snapshot) (*Document, error) {
	if len(snap.Files) == 0 {
		return nil, errors.Wrapf(errors.ErrSynthesisFailed, "no documentable files at %s", ev.Revision)
	}

	doc := &Document{FileDocs: make(map[string]string, len(snap.Files))}

	for _, file := range snap.Files {
		resp, err := s.client.Chat(ctx, ChatRequest{
			SystemPrompt: docSystemPrompt,
			UserPrompt:   fileDocPrompt(file),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to document %s", file.Path)
		}
		doc.Usage.Add(resp.Usage)

		if !wellFormed(resp.Content) {
			// One bad file doc does not sink the run.
			s.logger.Warnw("Dropping malformed file documentation",
				"repository", ev.Repository, "file", file.Path)
			continue
		}
		doc.FileDocs[file.Path] = resp.Content
	}

	if len(doc.FileDocs) == 0 {
		return nil, errors.Wrapf(errors.ErrSynthesisFailed, "model produced no usable documentation for %s", ev.Revision)
	}

	summary, err := s.summarize(ctx, ev, doc, doc.FileDocs)
	if err != nil {
		return nil, err
	}
	if !wellFormed(summary) {
		// Reduced scope: summarize from file names alone. Large doc
		// bodies are the usual culprit when the model goes off the rails.
		s.logger.Warnw("Summary malformed, retrying with reduced scope",
			"repository", ev.Repository, "revision", ev.Revision)
		doc.ScopeReduced = true

		reduced := make(map[string]string, len(doc.FileDocs))
		for path := range doc.FileDocs {
			reduced[path] = "(documentation elided)"
		}
		summary, err = s.summarize(ctx, ev, doc, reduced)
		if err != nil {
			return nil, err
		}
		if !wellFormed(summary) {
			return nil, errors.Wrapf(errors.ErrSynthesisFailed, "summary malformed after reduced-scope retry for %s", ev.Revision)
		}
	}

	doc.Summary = summary
	s.logger.Infow("Synthesis complete",
		"repository", ev.Repository,
		"revision", ev.Revision,
		"files", len(doc.FileDocs),
		"total_tokens", doc.Usage.TotalTokens,
		"scope_reduced", doc.ScopeReduced)
	return doc, nil
}

func (s *Synthesizer) summarize(ctx context.Context, ev event.Event, doc *Document, fileDocs map[string]string) (string, error) {
	resp, err := s.client.Chat(ctx, ChatRequest{
		SystemPrompt: summarySystemPrompt,
		UserPrompt:   summaryPrompt(ev.PullRequest, fileDocs),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to summarize documentation")
	}
	doc.Usage.Add(resp.Usage)
	return resp.Content, nil
}

func fileDocPrompt(file fetch.File) string {
	return fmt.Sprintf(`Please analyze this code and generate comprehensive documentation:

File: %s

Code:
%s

Please provide:
1. A brief overview of what this code does
2. Key functions/classes and their purposes
3. Important parameters and return values
4. Any notable patterns or design decisions
5. Potential improvements or considerations

Format the response in markdown.`, file.Path, file.Content)
}

func summaryPrompt(prNumber int, fileDocs map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Please create a summary of the documentation for PR #%d:\n\n", prNumber)
	for _, path := range sortedKeys(fileDocs) {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", path, fileDocs[path])
	}
	b.WriteString(`Please provide:
1. Overall changes and their impact
2. Key files modified and their purposes
3. Any important considerations for reviewers

Format the response in markdown.`)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// wellFormed rejects replies that are empty, not valid UTF-8, or contain no
// prose at all.
func wellFormed(markdown string) bool {
	trimmed := strings.TrimSpace(markdown)
	if trimmed == "" || !utf8.ValidString(trimmed) {
		return false
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
