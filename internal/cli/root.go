// Package cli implements the grader command line.
package cli

import "github.com/spf13/cobra"

// NewRootCmd builds the grader root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "grader",
		Short:         "Batch-grade student submissions with a language model.",
		SilenceErrors: true,
	}
	cmd.AddCommand(NewCmdRun())
	return cmd
}
