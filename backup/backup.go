// Package backup writes workspace exports somewhere durable: a local
// directory or an S3-compatible bucket.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hazyhaar/noteboard/horosafe"
	"github.com/hazyhaar/noteboard/workspace"
)

// Sink stores named export files.
type Sink interface {
	// Put stores r under name and returns where it went.
	Put(ctx context.Context, name string, r io.Reader, size int64) (location string, err error)
}

// Name returns the object name for an export of owner's board taken at t.
func Name(owner string, t time.Time) string {
	return owner + "-" + t.UTC().Format("20060102T150405Z") + ".json"
}

// Write exports snap and stores it in sink. owner must be a plain
// identifier; it becomes part of the file name.
func Write(ctx context.Context, sink Sink, owner string, snap workspace.Snapshot, now time.Time) (string, error) {
	if err := horosafe.ValidateIdentifier(owner); err != nil {
		return "", fmt.Errorf("backup: owner: %w", err)
	}
	var buf bytes.Buffer
	if err := workspace.Export(&buf, snap, now); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	loc, err := sink.Put(ctx, Name(owner, now), bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	return loc, nil
}

// joinKey joins an optional prefix and a name with a single slash.
func joinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
