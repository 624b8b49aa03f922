package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/internal/config"
	"github.com/3leaps/fwci/internal/observability"
	"github.com/3leaps/fwci/pkg/awsenv"
	"github.com/3leaps/fwci/pkg/firmwareci"
	"github.com/3leaps/fwci/pkg/injector"
	"github.com/3leaps/fwci/pkg/pki"
	s3provider "github.com/3leaps/fwci/pkg/provider/s3"
	"github.com/3leaps/fwci/pkg/report"
	"github.com/3leaps/fwci/pkg/runstore"
)

// loadEnvironment resolves the required environment and maps a missing
// variable to an invalid-argument exit.
func loadEnvironment() (*config.Environment, error) {
	env, err := config.LoadEnvironment()
	if err != nil {
		var missing *config.MissingEnvError
		if errors.As(err, &missing) {
			return nil, exitError(foundry.ExitInvalidArgument, "Missing required environment", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid environment", err)
	}
	if path := config.DotEnvPath(); path != "" {
		observability.CLILogger.Debug("loaded .env", zap.String("path", path))
	}
	return env, nil
}

// firmwareCIClients talks to the account that owns the Firmware CI runner.
type firmwareCIClients struct {
	s3      *s3.Client
	iot     *iot.Client
	account string
}

func newFirmwareCIClients(ctx context.Context, env *config.Environment) (*firmwareCIClients, error) {
	cfg, err := awsenv.Load(ctx, env.FirmwareCIAccount())
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure Firmware CI account", err)
	}
	account, err := awsenv.CallerAccount(ctx, sts.NewFromConfig(cfg))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to authenticate against Firmware CI account", err)
	}
	return &firmwareCIClients{
		s3:      s3.NewFromConfig(cfg),
		iot:     iot.NewFromConfig(cfg),
		account: account,
	}, nil
}

// service returns the remote execution service for the run.
func (c *firmwareCIClients) service(env *config.Environment) *firmwareci.IoTService {
	return &firmwareci.IoTService{
		API:       c.iot,
		Presign:   s3.NewPresignClient(c.s3),
		Bucket:    env.FirmwareCI.BucketName,
		DeviceARN: awsenv.ThingARN(env.FirmwareCI.Region, c.account, env.FirmwareCI.DeviceID),
		Logger:    observability.CLILogger,
	}
}

// stagingProvider stages artifacts into the Firmware CI bucket.
func (c *firmwareCIClients) stagingProvider(env *config.Environment) *s3provider.Provider {
	return s3provider.NewWithClient(c.s3, env.FirmwareCI.BucketName)
}

// testEnvClients talks to the account hosting the cloud stack the device
// connects to.
type testEnvClients struct {
	iot     *iot.Client
	data    *iotdataplane.Client
	account string
}

func newTestEnvClients(ctx context.Context, env *config.Environment) (*testEnvClients, error) {
	cfg, err := awsenv.Load(ctx, env.TestEnvAccount())
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure test environment account", err)
	}
	account, err := awsenv.CallerAccount(ctx, sts.NewFromConfig(cfg))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to authenticate against test environment account", err)
	}
	broker := env.TestEnv.BrokerHostname
	return &testEnvClients{
		iot: iot.NewFromConfig(cfg),
		data: iotdataplane.NewFromConfig(cfg, func(o *iotdataplane.Options) {
			o.BaseEndpoint = aws.String("https://" + broker)
		}),
		account: account,
	}, nil
}

func (c *testEnvClients) device() *injector.AWSDevice {
	return &injector.AWSDevice{Data: c.data, IoT: c.iot}
}

func (c *testEnvClients) registrar(env *config.Environment) *pki.IoTRegistrar {
	return &pki.IoTRegistrar{API: c.iot, Stack: env.TestEnv.StackName}
}

// certsDir is the certificates directory of the test stack, one per
// account and broker.
func (c *testEnvClients) certsDir(env *config.Environment) (string, error) {
	dir, err := pki.CertsDir(resolveWorkPath(settings.PKI.CertsDir), c.account, env.TestEnv.BrokerHostname)
	if err != nil {
		return "", exitError(foundry.ExitInvalidArgument, "Invalid certificates directory", err)
	}
	return dir, nil
}

// resolveWorkPath anchors relative paths at the configured work dir.
func resolveWorkPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(settings.Workflow.WorkDir, p)
}

func newStore() *runstore.Store {
	return runstore.New(settings.Workflow.WorkDir)
}

func newFetcher() *report.Fetcher {
	return report.NewFetcher(settings.Report.HTTPTimeout)
}

// describeJob maps a lookup failure to an exit code.
func describeJob(ctx context.Context, svc firmwareci.Service, jobID string) (*firmwareci.Job, error) {
	job, err := svc.Describe(ctx, jobID)
	if err != nil {
		if errors.Is(err, firmwareci.ErrJobNotFound) {
			return nil, exitError(foundry.ExitInvalidArgument, "Unknown job", err)
		}
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to describe job", fmt.Errorf("%s: %w", jobID, err))
	}
	return job, nil
}

// newAccountIdentity returns the account id behind a set of credentials.
func newAccountIdentity(ctx context.Context, a awsenv.Account) (string, error) {
	cfg, err := awsenv.Load(ctx, a)
	if err != nil {
		return "", err
	}
	return awsenv.CallerAccount(ctx, sts.NewFromConfig(cfg))
}
