package mailbox

import (
	"os"
	"path/filepath"
	"sort"
)

// Store abstracts the filesystem operations the router needs. Routing relies
// on Move being atomic for paths on the same filesystem, which is the only
// concurrency primitive mailboxes use: a file can be moved exactly once, and
// a failed move leaves the original in place for retry.
type Store interface {
	// List returns the file names (not paths) in dir, sorted.
	List(dir string) ([]string, error)

	// Read returns the content of the file at path.
	Read(path string) ([]byte, error)

	// Move atomically renames src to dst.
	Move(src, dst string) error

	// EnsureDir creates dir and any missing parents.
	EnsureDir(dir string) error

	// DirExists reports whether dir exists and is a directory.
	DirExists(dir string) bool
}

// OSStore implements Store on the local filesystem.
type OSStore struct{}

// List returns the sorted file names in dir, skipping subdirectories.
func (OSStore) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the content of the file at path.
func (OSStore) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Move atomically renames src to dst.
func (OSStore) Move(src, dst string) error {
	return os.Rename(src, dst)
}

// EnsureDir creates dir and any missing parents.
func (OSStore) EnsureDir(dir string) error {
	return os.MkdirAll(filepath.Clean(dir), 0o755)
}

// DirExists reports whether dir exists and is a directory.
func (OSStore) DirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
