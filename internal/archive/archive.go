// Package archive stores encrypted room-key exports outside the database,
// on the local filesystem or in an S3 bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"e2eed/internal/config"
)

// ErrNotFound is returned by Get when no object has the given name.
var ErrNotFound = errors.New("archive: object not found")

// Sink is a flat namespace of named blobs.
type Sink interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Get(ctx context.Context, name string, w io.Writer) error
}

// NewFromConfig creates a Sink based on the archive config type.
func NewFromConfig(ctx context.Context, cfg config.ArchiveConfig) (Sink, error) {
	switch cfg.Type {
	case "fs":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("fs archive requires dir to be set")
		}
		return NewFileSystemSink(cfg.Dir)
	case "s3":
		return NewS3SinkFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}

// checkName rejects names that would escape the sink's namespace.
func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name != path.Clean(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("archive: invalid object name %q", name)
	}
	return nil
}
