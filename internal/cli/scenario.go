package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/harness"
)

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Work with protocol scenarios",
	}

	cmd.AddCommand(newScenarioRunCommand(opts))
	return cmd
}

func newScenarioRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Run a scenario file and print its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := harness.Load(args[0])
			if err != nil {
				return err
			}

			res, err := harness.Run(sc)
			if err != nil {
				return err
			}

			switch opts.Format {
			case "json":
				out, err := marshalJSON(res)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			default:
				for _, line := range res.Transcript {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				for _, msg := range res.Errors {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", msg)
				}
			}

			if !res.Pass {
				return fmt.Errorf("scenario %q failed", sc.Name)
			}
			return nil
		},
	}
}
