// Package provider defines the object storage surface used to stage firmware
// images for a CI run.
//
// Providers stay small: the stager needs to put, inspect and delete a handful
// of job-scoped objects. Optional capabilities are expressed as separate
// interfaces and detected with type assertions.
package provider

import (
	"context"
	"time"
)

// Provider is the minimal object storage contract.
//
// Implementations must be safe for concurrent use: the stager uploads and
// deletes objects in parallel.
type Provider interface {
	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// PutOptions tunes a PutObject call.
type PutOptions struct {
	// ContentType is stored with the object. Empty lets the provider decide.
	ContentType string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory, used for dry runs and tests.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
