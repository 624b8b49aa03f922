// Package awsenv builds AWS SDK configuration for the accounts a firmware CI
// run talks to.
//
// A run spans two accounts (the firmware CI runner account and the test
// stack account), so credentials are always explicit and never taken from
// the default chain's shared profile.
package awsenv

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// DefaultRegion is used when an account has no region configured.
const DefaultRegion = "us-east-1"

// ErrNoAccount is returned when STS does not report an account id.
var ErrNoAccount = errors.New("could not authenticate: caller identity has no account")

// Account describes one set of AWS credentials.
type Account struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the service endpoint (moto, localstack).
	Endpoint string
}

// Validate checks that explicit credentials come in pairs.
func (a Account) Validate() error {
	if (a.AccessKeyID != "") != (a.SecretAccessKey != "") {
		return fmt.Errorf("awsenv: both access key ID and secret access key must be provided together")
	}
	return nil
}

// Load returns the SDK configuration for the account.
func Load(ctx context.Context, a Account) (aws.Config, error) {
	if err := a.Validate(); err != nil {
		return aws.Config{}, err
	}

	var opts []func(*config.LoadOptions) error
	if a.Region != "" {
		opts = append(opts, config.WithRegion(a.Region))
	}
	if a.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.AccessKeyID, a.SecretAccessKey, ""),
		))
	}
	if a.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(a.Endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" && a.Endpoint == "" {
		cfg.Region = DefaultRegion
	}
	return cfg, nil
}

// IdentityAPI is the subset of the STS client used here.
type IdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerAccount returns the account id behind the configured credentials.
func CallerAccount(ctx context.Context, api IdentityAPI) (string, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	account := aws.ToString(out.Account)
	if account == "" {
		return "", ErrNoAccount
	}
	return account, nil
}

// ThingARN builds the ARN of an IoT thing.
func ThingARN(region, account, thing string) string {
	return fmt.Sprintf("arn:aws:iot:%s:%s:thing/%s", region, account, thing)
}
