package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/fwci/internal/observability"
	"github.com/3leaps/fwci/pkg/pki"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials [deviceId]",
	Short: "Download the device credentials of a scheduled job",
	Long: `Write the credentials a device was scheduled with into the certificates
directory, in the JSON format the link monitor's certificate manager reads.
The device id defaults to JOB_ID. Nothing is downloaded when the file exists.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCredentials,
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
}

func runCredentials(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	deviceID := env.JobID
	if len(args) == 1 {
		deviceID = args[0]
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

	downloaded, err := pki.EnsureDeviceCredentials(ctx, certsDir, deviceID, env.TestEnv.BrokerHostname, fw.service(env), observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to obtain device credentials", err)
	}
	path := pki.DeviceFiles(certsDir, deviceID).JSON
	if downloaded {
		observability.Operator.Stored("Device credentials stored in", path)
	} else {
		observability.Operator.Stored("Device credentials exist in", path)
	}
	return nil
}
