// Package core defines the long-term storage abstraction that computed
// artifacts are published to.
package core

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem publishes into a local directory served elsewhere.
	DriverFilesystem Driver = "fs"
	// DriverS3 publishes to an S3 / MinIO compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps published blobs in process memory (tests).
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string            // MIME type, optional
	Metadata    map[string]string // small, flat key-value
	PublicRead  bool              // grant anonymous read access
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PublicRead   bool              `json:"public_read"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// Store is the publish surface used by the compute path. Keys are flat
// artifact names.
type Store interface {
	// Put stores a new blob at key. It fails with ErrExists if the key is taken.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Head(ctx context.Context, key string) (Info, error)
	// Delete removes a blob, returning false if it did not exist.
	Delete(ctx context.Context, key string) (bool, error)
	// URL is the public address of key. It does not check existence.
	URL(key string) string
	Driver() Driver
}

var (
	// ErrExists is returned by Put when the key is already stored.
	ErrExists = errors.New("blobstore: blob already exists")
	// ErrNotFound is returned by Head for a missing key.
	ErrNotFound = errors.New("blobstore: blob not found")
)
