package provider

import (
	"context"
	"io"
)

// ObjectPutter can create or overwrite objects.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, opts PutOptions) error
}

// ObjectDeleter can delete objects. Deleting a missing object is not an error.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// ObjectGetter can download objects as a stream.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// BucketProber can check that the configured bucket is reachable.
type BucketProber interface {
	ProbeBucket(ctx context.Context) error
}

// Stager is the capability set needed to stage and clean up artifacts.
type Stager interface {
	Provider
	ObjectPutter
	ObjectDeleter
}
