// Package blob abstracts the object store that backs the HTTP cache and
// result buckets. The production driver is S3; an in-memory driver backs
// tests.
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound reports a missing object or bucket.
var ErrNotFound = errors.New("blob not found")

// Meta is the custom metadata carried alongside an object. Keys are
// lowercase.
type Meta map[string]string

// Object is a stored value plus its metadata.
type Object struct {
	Body        []byte
	ContentType string
	Meta        Meta
}

// Store is the object-store surface the spider needs. Get transparently
// decompresses gzip-encoded bodies; Put with compress=true stores the body
// gzipped with Content-Encoding: gzip.
type Store interface {
	Head(ctx context.Context, bucket, key string) (Meta, error)
	Get(ctx context.Context, bucket, key string) (*Object, error)
	Put(ctx context.Context, bucket, key string, obj *Object, compress bool) error
	Delete(ctx context.Context, bucket, key string) error

	// CheckAndCreateBucket ensures the bucket exists, creating it if
	// necessary.
	CheckAndCreateBucket(ctx context.Context, bucket string) error

	// EmptyBucket deletes every object in the bucket.
	EmptyBucket(ctx context.Context, bucket string) error
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}
