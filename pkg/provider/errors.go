package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors carried in ProviderError.Err. Each one maps to an exit
// code and an operator hint in the CLI.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable indicates a 5xx from the storage service.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates a SlowDown or similar rate-limit response.
	ErrThrottled = errors.New("request throttled")
)

// ProviderError wraps provider-specific errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "PutObject", "DeleteObject").
	Op string

	// Provider is the provider type (e.g., "s3").
	Provider ProviderType

	// Bucket is the bucket name, if applicable.
	Bucket string

	// Key is the object key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether the object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied reports whether the credentials lack permission.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsBucketNotFound reports whether the staging bucket is missing.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsInvalidCredentials reports whether the access key was rejected.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsRetryable reports whether a failed call may succeed when the run is
// repeated later. The stager never retries on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}

// IsMisconfigured reports whether the failure is fixed by changing the run
// environment (credentials or bucket name) rather than by waiting.
func IsMisconfigured(err error) bool {
	return IsInvalidCredentials(err) || IsAccessDenied(err) || IsBucketNotFound(err)
}

// Hint returns an operator-facing remedy for a storage failure. It is empty
// when the error itself says all there is to say.
func Hint(err error) string {
	switch {
	case IsInvalidCredentials(err):
		return "the access key was rejected; check FIRMWARECI_AWS_ACCESS_KEY_ID and FIRMWARECI_AWS_SECRET_ACCESS_KEY"
	case IsAccessDenied(err):
		return "the Firmware CI credentials may not use the bucket; check the bucket policy"
	case IsBucketNotFound(err):
		return "the bucket does not exist; check FIRMWARECI_BUCKET_NAME and FIRMWARECI_AWS_REGION"
	case IsRetryable(err):
		return "the storage service is throttling or unavailable; re-run later"
	}
	return ""
}
