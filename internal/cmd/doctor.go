package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/internal/config"
	"github.com/3leaps/fwci/internal/observability"
	"github.com/3leaps/fwci/pkg/awsenv"
	manifestpkg "github.com/3leaps/fwci/pkg/manifest"
	"github.com/3leaps/fwci/pkg/provider"
	s3provider "github.com/3leaps/fwci/pkg/provider/s3"
)

var doctorAWS bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment of a firmware CI run and suggest
fixes for common issues.

Examples:
  fwci doctor          # Local checks: environment, root CA, manifest
  fwci doctor --aws    # Also authenticate against both accounts and check the bucket`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorAWS, "aws", false, "Run AWS account checks")
}

func runDoctor(cmd *cobra.Command, args []string) {
	log := observability.CLILogger
	bannerName := GetAppIdentity().BinaryName + " doctor"
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 4
	if doctorAWS {
		totalChecks = 7
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("[%d/%d] Checking Go runtime... ✅ %s %s/%s", checkNum, totalChecks, goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion))
	checkNum++

	// Check 2: Required environment
	env, err := config.LoadEnvironment()
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking environment... ❌ %v", checkNum, totalChecks, err))
		printEnvironmentHelp()
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ job %s", checkNum, totalChecks, env.JobID),
			zap.String("dotenv", config.DotEnvPath()))
	}
	checkNum++

	// Check 3: Root CA
	rootCA := resolveWorkPath(settings.PKI.RootCA)
	if _, err := os.Stat(rootCA); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking root CA... ❌ %s", checkNum, totalChecks, rootCA), zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking root CA... ✅ %s", checkNum, totalChecks, rootCA))
	}
	checkNum++

	// Check 4: CI job manifest
	m, err := manifestpkg.Load(resolveWorkPath(settings.Manifest))
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking CI job manifest... ❌ Invalid manifest", checkNum, totalChecks), zap.Error(err))
		allChecks = false
	} else {
		source := settings.Manifest
		if source == "" {
			source = "built-in defaults"
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking CI job manifest... ✅ %s (%s, %s)", checkNum, totalChecks, source, m.Job.Target, m.Job.Network))
	}
	checkNum++

	if doctorAWS {
		if env == nil {
			log.Warn("Skipping AWS checks: the environment is incomplete")
			allChecks = false
		} else {
			allChecks = runAWSChecks(cmd.Context(), env, checkNum, totalChecks) && allChecks
		}
	}

	log.Info("")
	if allChecks {
		log.Info("✅ All checks passed! Ready to run firmware CI jobs.")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}

// runAWSChecks authenticates against both accounts and checks the bucket.
func runAWSChecks(ctx context.Context, env *config.Environment, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("AWS Checks:")

	ok := true
	for _, acc := range []struct {
		name    string
		account awsenv.Account
	}{
		{"Firmware CI", env.FirmwareCIAccount()},
		{"test environment", env.TestEnvAccount()},
	} {
		_, err := newAccountIdentity(ctx, acc.account)
		if err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking %s credentials... ❌ %v", checkNum, totalChecks, acc.name, err),
				zap.String("access_key", maskAccessKey(acc.account.AccessKeyID)))
			ok = false
		} else {
			log.Info(fmt.Sprintf("[%d/%d] Checking %s credentials... ✅ %s", checkNum, totalChecks, acc.name, acc.account.Region),
				zap.String("access_key", maskAccessKey(acc.account.AccessKeyID)))
		}
		checkNum++
	}

	p, err := s3provider.New(ctx, s3provider.Config{Bucket: env.FirmwareCI.BucketName, Account: env.FirmwareCIAccount()})
	if err == nil {
		err = p.ProbeBucket(ctx)
	}
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking bucket %s... ❌ %v", checkNum, totalChecks, env.FirmwareCI.BucketName, err))
		if hint := provider.Hint(err); hint != "" {
			log.Info("  Hint: " + hint)
		}
		ok = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking bucket %s... ✅ reachable", checkNum, totalChecks, env.FirmwareCI.BucketName))
	}
	return ok
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printEnvironmentHelp prints help for configuring the run environment.
func printEnvironmentHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure a firmware CI run:")
	log.Info("  1. Export the variables listed in 'fwci --help', or")
	log.Info("  2. Put them in a .env file in the working directory or a parent")
	log.Info("")
}
