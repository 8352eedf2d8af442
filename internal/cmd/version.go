package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		extended, _ := cmd.Flags().GetBool("extended")
		out := cmd.OutOrStdout()

		name := "geoproc"
		if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
			name = id.BinaryName
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", name, versionInfo.Version)
		if !extended {
			return nil
		}

		v := crucible.GetVersion()
		_, _ = fmt.Fprintf(out, "commit=%s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "build_date=%s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "go=%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		_, _ = fmt.Fprintf(out, "gofulmen=%s\n", v.Gofulmen)
		_, _ = fmt.Fprintf(out, "crucible=%s\n", v.Crucible)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("extended", false, "Include build and dependency versions")
}
