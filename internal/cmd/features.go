package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/internal/config"
	"github.com/3leaps/fwci/internal/observability"
	"github.com/3leaps/fwci/pkg/feature"
	"github.com/3leaps/fwci/pkg/output"
	"github.com/3leaps/fwci/pkg/pki"
	"github.com/3leaps/fwci/pkg/poller"
)

var featuresCmd = &cobra.Command{
	Use:   "features <featureDir>",
	Short: "Run the end-to-end feature files against a finished job",
	Long: `Run every .feature file below featureDir. Steps can refer to the world
({region}, {accountId}, {certsDir}, {mqttEndpoint}, {stackName},
{env__JOB_ID}, ...) and to values stored by earlier steps
({firmwareci:<jobId>:deviceLog}, ...).

The device credentials of JOB_ID are downloaded from the job first when they
are not present in the certificates directory.

Exits 1 when a scenario fails.

Examples:
  fwci features features/ --progress
  fwci features features/ -r --output jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runFeatures,
}

var (
	featuresPrintResults bool
	featuresProgress     bool
	featuresOutput       string
)

func init() {
	rootCmd.AddCommand(featuresCmd)

	featuresCmd.Flags().BoolVarP(&featuresPrintResults, "print-results", "r", false, "Print step results")
	featuresCmd.Flags().BoolVarP(&featuresProgress, "progress", "p", false, "Print progress")
	featuresCmd.Flags().StringVar(&featuresOutput, "output", "text", "Output format (text|jsonl)")
}

func runFeatures(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	if featuresOutput != "text" && featuresOutput != "jsonl" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("expected text or jsonl"))
	}

	features, err := feature.Load(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load features", err)
	}

	env, err := loadEnvironment()
	if err != nil {
		return err
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
	rootCA, err := os.ReadFile(resolveWorkPath(settings.PKI.RootCA))
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read root CA", err)
	}

	world := featureWorld(env, te.account, certsDir, string(rootCA))
	printWorld(world)

	svc := fw.service(env)
	downloaded, err := pki.EnsureDeviceCredentials(ctx, certsDir, env.JobID, env.TestEnv.BrokerHostname, svc, log)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to obtain device credentials", err)
	}
	if downloaded {
		observability.Operator.Stored("Device credentials stored in", pki.DeviceFiles(certsDir, env.JobID).JSON)
	}

	steps := &feature.FirmwareCISteps{
		Service: svc,
		Fetcher: newFetcher(),
		Poll: poller.Options{
			Interval: settings.Workflow.PollInterval,
			Logger:   log,
		},
	}
	runner := feature.NewRunner(world, steps.Definitions(), log)

	var jsonl *output.FeatureReporter
	if featuresOutput == "jsonl" {
		w := output.NewJSONLWriter(cmd.OutOrStdout())
		defer func() { _ = w.Close() }()
		jsonl = output.NewFeatureReporter(ctx, w)
		runner.Reporter = jsonl
	} else {
		runner.Reporter = &consoleReporter{
			status:       observability.Operator,
			out:          cmd.OutOrStdout(),
			printResults: featuresPrintResults,
			progress:     featuresProgress,
		}
	}

	sum, err := runner.Run(ctx, features)
	if err != nil {
		return exitError(foundry.ExitSignalInt, "Running the features was interrupted", err)
	}
	if jsonl != nil && jsonl.Err() != nil {
		log.Warn("failed to write feature results", zap.Error(jsonl.Err()))
	}
	if !sum.OK() {
		return exitError(exitFailure, "Running the features failed", fmt.Errorf("%d of %d scenarios failed", sum.Failed, sum.Scenarios))
	}
	return nil
}

// featureWorld is the set of values feature files can interpolate.
func featureWorld(env *config.Environment, accountID, certsDir, rootCA string) map[string]string {
	return map[string]string{
		"region":                             env.TestEnv.Region,
		"accountId":                          accountID,
		"awsIotRootCA":                       rootCA,
		"certsDir":                           certsDir,
		"mqttEndpoint":                       env.TestEnv.BrokerHostname,
		"stackName":                          env.TestEnv.StackName,
		"env__JOB_ID":                        env.JobID,
		"env__CAT_TRACKER_APP_VERSION":       env.AppVersion,
		"env__TESTENV_AWS_ACCESS_KEY_ID":     env.TestEnv.AccessKeyID,
		"env__TESTENV_AWS_SECRET_ACCESS_KEY": env.TestEnv.SecretAccessKey,
		"env__NEXT_VERSION":                  os.Getenv("NEXT_VERSION"),
	}
}

func printWorld(world map[string]string) {
	status := observability.Operator
	status.Progress("World:")
	keys := make([]string, 0, len(world))
	for k := range world {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := world[k]
		switch {
		case strings.Contains(k, "SECRET"), strings.Contains(k, "ACCESS_KEY"):
			v = maskAccessKey(v)
		case strings.Contains(v, "\n"):
			v = fmt.Sprintf("<%d bytes>", len(v))
		}
		status.Field(k, v)
	}
}

// consoleReporter prints feature results as colored status lines. Result
// payloads go to out.
type consoleReporter struct {
	status       *observability.Status
	out          io.Writer
	printResults bool
	progress     bool
}

func (r *consoleReporter) FeatureStarted(f *feature.Feature) {
	r.status.Progress("Feature: " + f.Name)
}

func (r *consoleReporter) StepFinished(_ *feature.Feature, _ *feature.Scenario, res feature.StepResult) {
	line := fmt.Sprintf("  %s %s", res.Keyword, res.Text)
	switch res.Outcome {
	case feature.Passed:
		if r.progress {
			r.status.Success(line + fmt.Sprintf(" (%s)", res.Duration.Round(time.Millisecond)))
		}
		if r.printResults && res.Result != nil {
			if b, err := json.MarshalIndent(res.Result, "    ", "  "); err == nil {
				_, _ = fmt.Fprintf(r.out, "    %s\n", b)
			}
		}
	case feature.Skipped:
		if r.progress {
			r.status.Field(line, "skipped")
		}
	default:
		r.status.Failure(line)
		if res.Err != nil {
			r.status.Failure("    " + res.Err.Error())
		}
	}
}

func (r *consoleReporter) ScenarioFinished(_ *feature.Feature, res feature.ScenarioResult) {
	msg := fmt.Sprintf(" Scenario: %s (%s)", res.Name, res.Outcome)
	switch res.Outcome {
	case feature.Passed:
		r.status.Success(msg)
	case feature.Skipped:
		r.status.Progress(msg)
	default:
		r.status.Failure(msg)
	}
}

func (r *consoleReporter) Finished(sum *feature.Summary) {
	r.status.Field("Features", len(sum.Features))
	r.status.Field("Scenarios", sum.Scenarios)
	r.status.Field("Passed", sum.Passed)
	r.status.Field("Failed", sum.Failed)
	r.status.Field("Skipped", sum.Skipped)
	r.status.Field("Duration", sum.Duration.Round(time.Millisecond))
	if sum.OK() {
		r.status.Success("All scenarios passed")
	} else {
		r.status.Failure("Running the features failed!")
	}
}
