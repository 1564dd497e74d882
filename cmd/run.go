package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/workflow"
)

var runValidateOnly bool

// runCmd executes a recovery plan
var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Run a recovery plan",
	Long: `Run a recovery plan: a YAML or JSON file listing the captures of a
case and the steps to perform on them. Step types are decompress, list,
dump, extract and extract_all. Parameters may use Go templates over the
plan's variables, and a step's condition may also refer to the results of
earlier steps, named <step>_<result>.

Captures given with --body replace the ones listed in the plan.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := workflow.LoadWorkflow(args[0])
		if err != nil {
			return err
		}

		if errs := workflow.ValidateWorkflow(wf); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %v\n", e)
			}
			return fmt.Errorf("%w: plan %s has %d problem(s)",
				commonerrors.ErrInvalidArgument, args[0], len(errs))
		}
		if runValidateOnly {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d step(s), valid\n", wf.Name, len(wf.Steps))
			return nil
		}

		captures := bodyArgs
		if len(captures) == 0 {
			captures = wf.Bodies
		}
		open := func(ctx context.Context) (*extractor.Extractor, error) {
			return openExtractor(ctx, captures)
		}
		return workflow.ExecuteWorkflow(cmd.Context(), wf, open)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runValidateOnly, "validate", false, "check the plan without running it")
}
