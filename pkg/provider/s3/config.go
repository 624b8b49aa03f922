// Package s3 implements the provider interfaces for AWS S3 and S3-compatible
// storage.
package s3

import "github.com/3leaps/fwci/pkg/awsenv"

// Config configures an S3 provider.
//
// Credentials are explicit: a firmware CI run uses the runner account's keys,
// not whatever the default chain would pick up on the build host.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Account carries region, credentials and an optional endpoint override.
	Account awsenv.Account

	// ForcePathStyle forces path-style URLs. Needed for moto and MinIO.
	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if err := c.Account.Validate(); err != nil {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
