// Package fetch checks out the revision named by an event into a local
// working directory and captures the source files worth documenting.
package fetch

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
)

// Paths containing any of these fragments are never captured: tests and
// build artifacts add noise without documenting behavior.
var skipFragments = []string{
	"test_", "_test", ".test", "tests/", "test/",
	".pyc", ".so", ".dll",
	".git/", "node_modules/", "vendor/", "__pycache__/",
}

// Fetcher clones and checks out revisions. Checkouts for the same
// repository share a working area, so at most one run per repository may
// fetch at a time.
type Fetcher struct {
	workDir      string
	token        string
	maxFiles     int
	maxFileBytes int
	logger       *zap.SugaredLogger
}

// NewFetcher creates a fetcher rooted at workDir. token, when set, is used
// as HTTP basic auth for private clones.
func NewFetcher(workDir, token string, maxFiles, maxFileBytes int, logger *zap.SugaredLogger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Fetcher{
		workDir:      workDir,
		token:        token,
		maxFiles:     maxFiles,
		maxFileBytes: maxFileBytes,
		logger:       logger.Named("fetch"),
	}
}

// Fetch clones the event's repository, checks out its revision, and
// captures the eligible files. The returned snapshot owns a fresh directory
// under the repository's working area; callers must Close it.
func (f *Fetcher) Fetch(ctx context.Context, ev event.Event) (*Snapshot, error) {
	repoArea := filepath.Join(f.workDir, sanitize(ev.Repository))
	if err := os.MkdirAll(repoArea, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create working area")
	}

	dir, err := os.MkdirTemp(repoArea, "checkout-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create checkout directory")
	}

	snap, err := f.checkout(ctx, ev, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return snap, nil
}

func (f *Fetcher) checkout(ctx context.Context, ev event.Event, dir string) (*Snapshot, error) {
	opts := &git.CloneOptions{URL: ev.CloneURL}
	if f.token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: f.token}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return nil, classifyGitError(err, ev)
	}

	// Resolve before checking out: a revision may be a full hash, a short
	// hash, or a ref name, and a zero-hash checkout would silently land on
	// HEAD instead of failing.
	hash, err := repo.ResolveRevision(plumbing.Revision(ev.Revision))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "revision %s not in %s", ev.Revision, ev.Repository)
	}
	// Resolution of a full-length hash does not prove the object exists,
	// and the zero hash would check out HEAD.
	if _, err := repo.CommitObject(*hash); err != nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "revision %s not in %s", ev.Revision, ev.Repository)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open worktree")
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, errors.Wrapf(errors.ErrNotFound, "revision %s not in %s", ev.Revision, ev.Repository)
		}
		return nil, errors.Wrapf(err, "failed to checkout %s", ev.Revision)
	}

	f.logger.Infow("Checked out revision",
		"repository", ev.Repository,
		"revision", ev.Revision)

	files, truncated, err := f.collect(dir)
	if err != nil {
		return nil, err
	}
	if truncated {
		f.logger.Warnw("File collection truncated",
			"repository", ev.Repository,
			"max_files", f.maxFiles)
	}

	return &Snapshot{Dir: dir, Revision: ev.Revision, Files: files, Truncated: truncated}, nil
}

// collect walks the checkout and captures eligible files in a stable order.
func (f *Fetcher) collect(dir string) ([]File, bool, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skipPath(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if skipPath(rel) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to walk checkout")
	}

	sort.Strings(paths)

	truncated := false
	var files []File
	for _, rel := range paths {
		if len(files) >= f.maxFiles {
			truncated = true
			break
		}
		content, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return nil, false, errors.Wrapf(err, "failed to read %s", rel)
		}
		if isBinary(content) {
			continue
		}
		if len(content) > f.maxFileBytes {
			content = content[:f.maxFileBytes]
			truncated = true
		}
		files = append(files, File{Path: rel, Content: content})
	}
	return files, truncated, nil
}

func skipPath(rel string) bool {
	lower := strings.ToLower(rel)
	for _, fragment := range skipFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// isBinary uses the NUL-byte heuristic on the first KiB.
func isBinary(content []byte) bool {
	probe := content
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

func sanitize(repository string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(repository)
}

// classifyGitError maps go-git transport failures onto the error taxonomy:
// missing repos and revisions are permanent, auth failures are permanent,
// everything else (network, remote hiccups) is worth retrying.
func classifyGitError(err error, ev event.Event) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return errors.Wrapf(errors.ErrNotFound, "repository %s not found", ev.Repository)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return errors.Wrapf(errors.ErrAccessDenied, "access denied to %s", ev.Repository)
	default:
		return errors.MarkTransient(errors.Wrapf(err, "failed to clone %s", ev.Repository))
	}
}
