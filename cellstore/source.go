package cellstore

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
)

// Source is read access to a converted index. Implementations are safe for concurrent use.
type Source interface {
	LoadMetadata(ctx context.Context) (*lod.Metadata, error)
	LoadCell(ctx context.Context, id lod.CellID, subGridDimension uint32) (*lod.Cell, error)
	Close() error
}

// OpenSource opens an index by reference. A plain path or file:// URL opens a local directory,
// http:// and https:// fetch from a web server, and any other scheme (gs://, s3://) is opened as
// a cloud bucket.
func OpenSource(ctx context.Context, ref string, logger logging.Logger) (Source, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || filepath.VolumeName(ref) != "" {
		return openDir(ref, logger)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return openDir(u.Path, logger)
	case "http", "https":
		return NewHTTPSource(ref, nil, logger)
	default:
		return NewBucketSource(ctx, ref, logger)
	}
}

func openDir(dir string, logger logging.Logger) (Source, error) {
	if dir == "" {
		return nil, errors.New("empty index path")
	}
	return &DirStore{root: dir, logger: logger}, nil
}
