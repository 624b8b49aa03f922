// Package cmd implements the fwci command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/internal/config"
	"github.com/3leaps/fwci/internal/observability"
)

// AppIdentity names the binary and its configuration surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity = &AppIdentity{
	BinaryName: "fwci",
	EnvPrefix:  config.EnvPrefix,
	ConfigName: "fwci.yaml",
}

// GetAppIdentity returns the identity of the running binary.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	verbose  bool
	logLevel string
	workDir  string
	manifest string

	// settings is loaded once per invocation in PersistentPreRunE.
	settings *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "fwci",
	Short: "Run firmware on real devices through Firmware CI",
	Long: `fwci stages firmware images, issues device certificates, schedules a
Firmware CI job, upgrades the device over the air while the job runs and
collects the job report.

Required environment (a .env file is loaded when present):
  JOB_ID, CAT_TRACKER_APP_VERSION,
  FIRMWARECI_AWS_ACCESS_KEY_ID, FIRMWARECI_AWS_SECRET_ACCESS_KEY, FIRMWARECI_AWS_REGION,
  FIRMWARECI_BUCKET_NAME, FIRMWARECI_DEVICE_ID,
  TESTENV_AWS_ACCESS_KEY_ID, TESTENV_AWS_SECRET_ACCESS_KEY, TESTENV_AWS_REGION,
  TESTENV_BROKER_HOSTNAME, TESTENV_STACK_NAME`,
	SilenceUsage:      true,
	PersistentPreRunE: initCommand,
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: none, built-in defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "", "Directory for jobDocument.json, report.json and run records")
	rootCmd.PersistentFlags().StringVar(&manifest, "manifest", "", "CI job manifest (YAML or JSON)")

	rootCmd.AddCommand(versionCmd)
}

// setDefaults registers the tunable defaults on the global viper instance.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initCommand(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(appIdentity.BinaryName, verbose)

	overrides := map[string]any{}
	if workDir != "" {
		overrides["workflow.work_dir"] = workDir
	}
	if manifest != "" {
		overrides["manifest"] = manifest
	}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}
	s, err := config.Load(cmd.Context(), cfgFile, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	settings = s
	if !verbose {
		observability.SetLevel(appIdentity.BinaryName, s.Logging.Level)
	}
	observability.CLILogger.Debug("settings loaded",
		zap.String("config", cfgFile),
		zap.String("work_dir", s.Workflow.WorkDir),
		zap.Duration("poll_interval", s.Workflow.PollInterval))
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	// version needs no settings
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n",
			appIdentity.BinaryName, versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

// ExecuteContext runs the root command.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// exitFailure is the exit code of a run that completed but failed, such as
// a feature run with failing scenarios.
const exitFailure = 1

// ExitCodeError carries the process exit code of a failed command.
type ExitCodeError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// ExitCode maps err to a process exit code: 0 for nil, the carried code
// for an *ExitCodeError, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitCodeError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}

func exitError(code int, message string, err error) error {
	return &ExitCodeError{Code: code, Message: message, Err: err}
}
