package fetch

import "os"

// File is one source file captured from the checkout.
type File struct {
	Path    string
	Content []byte
}

// Snapshot is a checked-out revision reduced to the files worth documenting.
// Callers must Close it to reclaim the working directory.
type Snapshot struct {
	Dir       string
	Revision  string
	Files     []File
	Truncated bool // file or byte caps were hit while collecting
}

// Close removes the snapshot's working directory.
func (s *Snapshot) Close() error {
	if s.Dir == "" {
		return nil
	}
	return os.RemoveAll(s.Dir)
}
