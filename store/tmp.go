package store

import (
	"os"
	"path/filepath"
)

// CreateSpillFile creates a temporary file for a payload sink spill, under
// the "tmp" subdirectory of baseDir, and unlinks it immediately: the caller
// gets back an open, already-unlinked file descriptor, so no filesystem name
// for the in-flight message ever exists (and nothing needs cleanup on crash).
func CreateSpillFile(baseDir, pattern string) (*os.File, error) {
	dir := filepath.Join(baseDir, "tmp")
	os.MkdirAll(dir, 0770)
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	name := f.Name()
	if err := os.Remove(name); err != nil {
		if xerr := f.Close(); xerr != nil {
			xlog.Errorx("closing spill file after unlink error", xerr)
		}
		return nil, err
	}
	if err := f.Chmod(0660); err != nil {
		if xerr := f.Close(); xerr != nil {
			xlog.Errorx("closing spill file after chmod error", xerr)
		}
		return nil, err
	}
	return f, nil
}
