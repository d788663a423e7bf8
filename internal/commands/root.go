// Package commands implements the tpx3d command line.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// BuildInfo identifies the binary. The fields are stamped by the linker at
// release time and default to development values.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCommand assembles the CLI.
func NewRootCommand(build BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "tpx3d",
		Short: "TimePix3 detector driver daemon",
		Long: `tpx3d bridges a network-attached TimePix3 photon-counting detector to a
local frame pipeline. It polls the detector's HTTP control plane, mirrors
parameter groups, decodes frames, and delivers them to the configured
sinks (log, MQTT, S3 archive) while serving a control API for operators.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.CompletionOptions.HiddenDefaultCmd = true

	root.AddCommand(newServeCommand(build))
	root.AddCommand(newCheckConfigCommand())
	root.AddCommand(newVersionCommand(build))
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(build BuildInfo) int {
	if err := NewRootCommand(build).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
