package blob

import (
	"context"

	"github.com/pkg/errors"

	"wiggledb/internal/infra/blob/fs"
	memorystore "wiggledb/internal/infra/blob/memory"
	infraS3 "wiggledb/internal/infra/blob/s3"
)

// S3Config configures the S3 driver.
type S3Config = infraS3.Config

// Options selects and configures a blob backend.
type Options struct {
	Driver string // fs|s3|memory (default fs)

	// FSRoot is the publish directory when Driver is fs.
	FSRoot string
	// BaseURL, when set, is the public prefix of published keys (fs driver).
	BaseURL string

	S3 S3Config
}

// Open selects a blob.Store implementation from opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return fs.New(opts.FSRoot, opts.BaseURL)
	case DriverS3:
		return infraS3.New(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, errors.Errorf("unknown blob driver %s", driver)
	}
}

// NewMemory returns a store keeping published blobs in process memory.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests returns an S3 store backed by an in-process fake, for
// tests of packages that publish.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
