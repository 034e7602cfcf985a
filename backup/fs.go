package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hazyhaar/noteboard/horosafe"
)

// DirSink writes files into a directory.
type DirSink struct {
	dir string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("backup: create dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// Put writes the file atomically. Names escaping the directory are refused.
func (d *DirSink) Put(ctx context.Context, name string, r io.Reader, _ int64) (string, error) {
	path, err := horosafe.SafePath(d.dir, name)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(d.dir, ".backup-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}
