package cellstore

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"gocloud.dev/blob"
	// Register the bucket schemes OpenSource understands.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
)

// BucketSource reads an index stored under a prefix of a cloud bucket.
type BucketSource struct {
	ref    string
	bucket *blob.Bucket
	logger logging.Logger
}

// NewBucketSource opens ref, a bucket URL such as gs://bucket/path/to/index or
// s3://bucket/index?region=us-east-2. The path part selects the index within the bucket.
func NewBucketSource(ctx context.Context, ref string, logger logging.Logger) (*BucketSource, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing bucket reference %q", ref)
	}
	prefix := strings.Trim(u.Path, "/")
	bucketURL := *u
	if u.Scheme != "file" {
		bucketURL.Path = ""
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL.String())
	if err != nil {
		return nil, errors.Wrapf(err, "opening bucket %q", ref)
	}
	if u.Scheme != "file" && prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix+"/")
	}
	logger.Debugw("opened bucket source", "ref", ref, "prefix", prefix)
	return &BucketSource{ref: ref, bucket: bucket, logger: logger}, nil
}

func (s *BucketSource) String() string {
	return s.ref
}

func (s *BucketSource) read(ctx context.Context, key, what string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, errors.Wrapf(ErrNotFound, "%s in %s", what, s.ref)
		}
		return nil, errors.Wrapf(err, "reading %s from %s", what, s.ref)
	}
	return data, nil
}

// LoadMetadata implements Source.
func (s *BucketSource) LoadMetadata(ctx context.Context) (*lod.Metadata, error) {
	data, err := s.read(ctx, MetadataFileName, "metadata")
	if err != nil {
		return nil, err
	}
	return lod.UnmarshalMetadata(data)
}

// LoadCell implements Source.
func (s *BucketSource) LoadCell(ctx context.Context, id lod.CellID, subGridDimension uint32) (*lod.Cell, error) {
	data, err := s.read(ctx, CellKey(id), "cell "+id.String())
	if err != nil {
		return nil, err
	}
	return decodeCell(data, id, subGridDimension, s.logger)
}

// Close releases the bucket.
func (s *BucketSource) Close() error {
	return s.bucket.Close()
}
