package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// writeNew durably creates dir/name holding v. It never replaces an
// existing file: the content goes to an exclusive temp file first and is
// then hard-linked into place, which fails if the name is taken.
func writeNew(dir, name string, v any, mtime time.Time) error {
	tmp, err := writeTemp(dir, name, v, mtime)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	syncDir(dir)
	return nil
}

// writeReplace atomically rewrites path. Only the holder of a claim may
// call it.
func writeReplace(path string, v any, mtime time.Time) error {
	dir, name := filepath.Split(path)
	tmp, err := writeTemp(dir, name, v, mtime)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	syncDir(dir)
	return nil
}

func writeTemp(dir, name string, v any, mtime time.Time) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}

	tmp := filepath.Join(dir, ".tmp-"+name)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrExist) {
		// Left behind by a crash; each name has a single writer.
		os.Remove(tmp)
		f, err = os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tmp, mtime, mtime); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("failed to set mtime on %s: %w", name, err)
		}
	}
	return tmp, nil
}

// syncDir flushes directory entries. Some filesystems refuse to fsync a
// directory; the rename itself is still atomic there.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
