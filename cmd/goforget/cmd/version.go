package cmd

import (
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display the goforget build version, commit and platform. Honors --json.`,
	Run:   runVersion,
}

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func runVersion(cmd *cobra.Command, args []string) {
	b := currentBuild()
	if jsonOutput {
		_ = printJSON(cmd.OutOrStdout(), b)
		return
	}
	cmd.Printf("goforget version %s\n", b.Version)
	cmd.Printf("  Commit: %s\n", b.Commit)
	cmd.Printf("  Go version: %s\n", b.GoVersion)
	cmd.Printf("  OS/Arch: %s\n", b.Platform)
}
