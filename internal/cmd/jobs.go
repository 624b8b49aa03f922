package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/internal/observability"
	"github.com/3leaps/fwci/pkg/firmwareci"
	"github.com/3leaps/fwci/pkg/output"
	"github.com/3leaps/fwci/pkg/poller"
	"github.com/3leaps/fwci/pkg/report"
)

var waitCmd = &cobra.Command{
	Use:   "wait <jobId>",
	Short: "Wait until a Firmware CI job is finished",
	Long: `Poll a Firmware CI job until it reaches a terminal status.

Status changes are printed to stderr, or written to stdout as JSONL records
with --output jsonl.

Examples:
  fwci wait 2f6b2c1e-...
  fwci wait 2f6b2c1e-... --timeout 30m --cancel-on-timeout
  fwci wait 2f6b2c1e-... --output jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runWait,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <jobId>",
	Short: "Cancel a Firmware CI job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var reportCmd = &cobra.Command{
	Use:   "report <jobId>",
	Short: "Download, store and print the report of a finished job",
	Long: `Download the report of a finished Firmware CI job, store it as report.json
in the work directory and print its Result, Flash Log and Device Log sections.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var (
	waitTimeout         time.Duration
	waitCancelOnTimeout bool
	waitOutput          string
	cancelReason        string
)

func init() {
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(reportCmd)

	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "Give up after this long (0 waits until interrupted)")
	waitCmd.Flags().BoolVar(&waitCancelOnTimeout, "cancel-on-timeout", false, "Cancel the job when --timeout elapses")
	waitCmd.Flags().StringVar(&waitOutput, "output", "text", "Output format (text|jsonl)")

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "canceled by operator", "Reason recorded with the cancellation")
}

func runWait(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID := args[0]
	if waitOutput != "text" && waitOutput != "jsonl" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("expected text or jsonl"))
	}

	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	fw, err := newFirmwareCIClients(ctx, env)
	if err != nil {
		return err
	}
	svc := fw.service(env)

	var w output.Writer
	if waitOutput == "jsonl" {
		w = output.NewJSONLWriter(cmd.OutOrStdout())
		defer func() { _ = w.Close() }()
	}
	onStatus := func(j *firmwareci.Job) {
		if w != nil {
			if err := w.WriteStatus(ctx, j.ID, &output.StatusRecord{Status: string(j.Status), Details: j.Details}); err != nil {
				observability.CLILogger.Warn("failed to write status record", zap.Error(err))
			}
			return
		}
		observability.Operator.Field("Status", j.Status)
	}

	job, err := poller.Wait(ctx, svc, jobID, poller.Options{
		Interval: settings.Workflow.PollInterval,
		Timeout:  waitTimeout,
		OnStatus: onStatus,
		Logger:   observability.CLILogger,
	})
	if err != nil {
		return waitExitError(cmd, svc, jobID, w, err)
	}
	if w == nil {
		observability.Operator.Success(fmt.Sprintf("Job %s finished with status %s", jobID, job.Status))
	}
	return nil
}

func waitExitError(cmd *cobra.Command, svc firmwareci.Service, jobID string, w output.Writer, err error) error {
	ctx := cmd.Context()
	code, rec := foundry.ExitExternalServiceUnavailable, output.ErrCodeInternal
	switch {
	case errors.Is(err, poller.ErrTimeout):
		rec = output.ErrCodeTimeout
		if waitCancelOnTimeout {
			if cerr := svc.Cancel(ctx, jobID, err.Error()); cerr != nil {
				err = errors.Join(err, cerr)
			} else {
				observability.Operator.Failure("Job " + jobID + " canceled")
			}
		}
	case errors.Is(err, firmwareci.ErrJobNotFound):
		code, rec = foundry.ExitInvalidArgument, output.ErrCodeNotFound
	case ctx.Err() != nil:
		code = foundry.ExitSignalInt
	}
	if w != nil {
		_ = w.WriteError(ctx, jobID, &output.ErrorRecord{Code: rec, Message: err.Error()})
	}
	return exitError(code, "Failed waiting for job", err)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	fw, err := newFirmwareCIClients(ctx, env)
	if err != nil {
		return err
	}
	if err := fw.service(env).Cancel(ctx, args[0], cancelReason); err != nil {
		if errors.Is(err, firmwareci.ErrJobNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to cancel job", err)
	}
	observability.Operator.Success("Job " + args[0] + " canceled")
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID := args[0]
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	fw, err := newFirmwareCIClients(ctx, env)
	if err != nil {
		return err
	}
	job, err := describeJob(ctx, fw.service(env), jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return exitError(foundry.ExitInvalidArgument, "Job is not finished", fmt.Errorf("job %s is %s", jobID, job.Status))
	}
	if job.Document == nil || job.Document.ReportURL == "" {
		return exitError(foundry.ExitInvalidArgument, "Job has no report", report.ErrNoReportURL)
	}

	_, path, err := report.Collect(ctx, newFetcher(), newStore(), job.Document.ReportURL, cmd.OutOrStdout())
	if err != nil {
		var fe *report.FetchError
		if errors.As(err, &fe) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to download report", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to store report", err)
	}
	observability.Operator.Stored("Report stored in", path)
	return nil
}
