package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/internal/observability"
	"github.com/3leaps/fwci/pkg/firmwareci"
	"github.com/3leaps/fwci/pkg/injector"
	manifestpkg "github.com/3leaps/fwci/pkg/manifest"
	"github.com/3leaps/fwci/pkg/pki"
	"github.com/3leaps/fwci/pkg/poller"
	"github.com/3leaps/fwci/pkg/provider"
	"github.com/3leaps/fwci/pkg/stager"
	"github.com/3leaps/fwci/pkg/workflow"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the firmware on the Firmware CI device and collect the report",
	Long: `Stage the firmware images, issue the device certificate, schedule the
Firmware CI job and wait for it to finish. While the job runs the device is
upgraded over the air once it has connected. The report is printed to stdout
and stored as report.json.

Running schedule again for a JOB_ID that already exists resumes the job:
nothing is staged, issued or submitted again.

Examples:
  fwci schedule
  fwci schedule --manifest ci/job.yaml --no-fota
  fwci schedule --work-dir /tmp/run-42 --injector-delay 30s`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

var (
	scheduleNoFOTA          bool
	scheduleInjectorDelay   time.Duration
	schedulePollTimeout     time.Duration
	scheduleKeepInjectorRun bool
)

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().BoolVar(&scheduleNoFOTA, "no-fota", false, "Do not upgrade the device over the air")
	scheduleCmd.Flags().DurationVar(&scheduleInjectorDelay, "injector-delay", 0, "Override the delay before the first FOTA attempt")
	scheduleCmd.Flags().DurationVar(&schedulePollTimeout, "poll-timeout", 0, "Override the wait for a terminal status (default: job timeout x poll_timeout_factor)")
	scheduleCmd.Flags().BoolVar(&scheduleKeepInjectorRun, "keep-injector", false, "Let the FOTA injector run out its budget after the job finished")
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	status := observability.Operator

	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	m, err := manifestpkg.Load(resolveWorkPath(settings.Manifest))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid CI job manifest", err)
	}
	params := m.Render(env.AppVersion)
	if scheduleNoFOTA {
		params.FOTAEnabled = false
	}

	status.Field("Firmware CI / Region", env.FirmwareCI.Region)
	status.Field("Firmware CI / Bucket", env.FirmwareCI.BucketName)
	status.Field("Firmware CI / Device", env.FirmwareCI.DeviceID)
	status.Field("Test Env / Region", env.TestEnv.Region)
	status.Field("Test Env / Stack", env.TestEnv.StackName)
	status.Field("Test Env / Broker", env.TestEnv.BrokerHostname)
	status.Field("Job ID", env.JobID)
	status.Field("App Version", env.AppVersion)
	status.Field("Hex file", env.HexFile)
	status.Field("FOTA file", env.FOTAFile)
	status.Field("Target", params.Target)
	status.Field("Network", params.Network)
	status.Field("Timeout", params.Timeout)
	if params.FOTAEnabled {
		status.Field("Upgrade to", params.UpgradeTo)
	}

	fw, err := newFirmwareCIClients(ctx, env)
	if err != nil {
		return err
	}
	te, err := newTestEnvClients(ctx, env)
	if err != nil {
		return err
	}
	certsDir, err := te.certsDir(env)
	if err != nil {
		return err
	}
	status.Field("Certificates", certsDir)

	provider, err := pki.NewLocalProvider(certsDir, resolveWorkPath(settings.PKI.RootCA), te.registrar(env), log)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to set up certificates", err)
	}

	wf := settings.Workflow
	pollTimeout := schedulePollTimeout
	if pollTimeout == 0 {
		pollTimeout = params.Timeout * time.Duration(wf.PollTimeoutFactor)
	}
	injectorDelay := wf.InjectorDelay
	if scheduleInjectorDelay > 0 {
		injectorDelay = scheduleInjectorDelay
	}

	runner, err := workflow.New(workflow.Config{
		JobID:                      env.JobID,
		AppVersion:                 env.AppVersion,
		HexFile:                    env.HexFile,
		FOTAFile:                   env.FOTAFile,
		HexKey:                     env.HexKey(),
		FOTAKey:                    env.FOTAFilename(),
		FirmwareURL:                env.FirmwareURL(),
		Bucket:                     env.FirmwareCI.BucketName,
		Region:                     env.FirmwareCI.Region,
		BrokerHostname:             env.TestEnv.BrokerHostname,
		Params:                     params,
		PollInterval:               wf.PollInterval,
		PollTimeout:                pollTimeout,
		InjectorDelay:              injectorDelay,
		InjectorInterval:           wf.InjectorInterval,
		CancelInjectorOnCompletion: wf.CancelInjectorOnCompletion && !scheduleKeepInjectorRun,
	}, workflow.Dependencies{
		Service: fw.service(env),
		Stager:  stager.New(fw.stagingProvider(env), log),
		PKI:     provider,
		Device:  te.device(),
		Store:   newStore(),
		Fetcher: newFetcher(),
		Logger:  log,
		Out:     cmd.OutOrStdout(),
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}

	status.Progress("Scheduling job " + env.JobID + " ...")
	out, err := runner.Run(ctx)
	if out != nil {
		printOutcome(out)
	}
	if err != nil {
		return scheduleExitError(err)
	}
	if out.Job != nil {
		status.Success(fmt.Sprintf("Job %s finished with status %s", out.JobID, out.Job.Status))
	}
	return nil
}

func printOutcome(out *workflow.Outcome) {
	status := observability.Operator
	if out.Resumed {
		status.Field("Resumed", true)
	}
	if out.Injector != nil {
		status.Field("FOTA", out.Injector.State)
		if out.Injector.FOTAJobID != "" {
			status.Field("FOTA job", out.Injector.FOTAJobID)
		}
		if out.Injector.State != injector.StateFOTASubmitted && out.Injector.Err != nil {
			status.Failure("FOTA: " + out.Injector.Err.Error())
		}
	}
	if out.ReportPath != "" {
		status.Stored("Report stored in", out.ReportPath)
	}
	if out.TimedOut {
		status.Failure("Job " + out.JobID + " did not finish in time and was canceled")
	}
}

func scheduleExitError(err error) error {
	var sub *firmwareci.SubmissionError
	var stageErr *stager.StageError
	switch {
	case errors.Is(err, poller.ErrTimeout):
		return exitError(foundry.ExitExternalServiceUnavailable, "Job timed out", err)
	case errors.As(err, &sub):
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to schedule job", err)
	case errors.As(err, &stageErr):
		return stageExitError(err)
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Interrupted", err)
	}
	observability.CLILogger.Debug("run failed", zap.Error(err))
	return exitError(foundry.ExitExternalServiceUnavailable, "Firmware CI run failed", err)
}

// stageExitError separates a missing local image and a misconfigured bucket,
// which re-running cannot fix, from outages worth another attempt.
func stageExitError(err error) error {
	msg := "Failed to stage firmware"
	if hint := provider.Hint(err); hint != "" {
		msg += " (" + hint + ")"
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return exitError(foundry.ExitFileNotFound, "Firmware image not found", err)
	case provider.IsMisconfigured(err):
		return exitError(foundry.ExitInvalidArgument, msg, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, msg, err)
}
