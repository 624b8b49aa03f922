package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/internal/observability"
	"github.com/3leaps/fwci/pkg/release"
)

var nextVersionCmd = &cobra.Command{
	Use:   "next-version",
	Short: "Print the version the next release would get",
	Long: `Analyze the conventional commits since the last release tag and print the
next semantic version. When no commit warrants a release, DEFAULT_VERSION is
printed, or 0.0.0-development when it is unset.

With --from-tags the patch of the highest release tag is bumped instead.

Examples:
  fwci next-version
  DEFAULT_VERSION=0.0.0-pr42 fwci next-version --repo ../firmware`,
	Args: cobra.NoArgs,
	// next-version only reads the repository
	PersistentPreRunE: func(*cobra.Command, []string) error {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return nil
	},
	RunE: runNextVersion,
}

var (
	nextVersionRepo     string
	nextVersionFromTags bool
	nextVersionDefault  string
)

func init() {
	rootCmd.AddCommand(nextVersionCmd)

	nextVersionCmd.Flags().StringVar(&nextVersionRepo, "repo", ".", "Path inside the git repository")
	nextVersionCmd.Flags().BoolVar(&nextVersionFromTags, "from-tags", false, "Bump the patch of the highest tag instead of analyzing commits")
	nextVersionCmd.Flags().StringVar(&nextVersionDefault, "default", "", "Version when no release is due (default: $DEFAULT_VERSION)")
}

func runNextVersion(cmd *cobra.Command, _ []string) error {
	def := nextVersionDefault
	if def == "" {
		def = os.Getenv("DEFAULT_VERSION")
	}

	next := release.FromCommits
	if nextVersionFromTags {
		next = release.FromTags
	}
	res, err := next(nextVersionRepo, def)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read git history", err)
	}
	observability.CLILogger.Debug("next version",
		zap.String("version", res.Version),
		zap.Bool("released", res.Released),
		zap.String("bump", res.Bump.String()),
		zap.String("base", res.Base),
		zap.Int("commits", res.Commits))

	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Version)
	return err
}
