package cli

import (
	"github.com/spf13/cobra"
)

// resumeCommand creates the resume command.
func (c *CLI) resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-dir>",
		Short: "Continue an interrupted run",
		Long: `Continue an interrupted run from its directory.

Runs that completed planning continue refining from the next iteration with
the saved working description. Runs interrupted during planning restart
planning. Finished runs are reported as they are.`,
		Example: `  paperbanana resume outputs/run_20260118_142301_a1b2c3`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			e, err := newEngine(ctx, cfg, loggerFromContext(ctx))
			if err != nil {
				return err
			}
			defer e.Close()
			defer showProgress()()

			st, err := e.Resume(ctx, args[0])
			if st != nil {
				printRunResult(st)
			}
			return err
		},
	}
}
