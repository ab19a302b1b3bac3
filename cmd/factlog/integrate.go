package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/factlog/internal/integrator"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
)

var integrateConfidence float64

func init() {
	rootCmd.AddCommand(integrateCmd)
	integrateCmd.Flags().Float64Var(&integrateConfidence, "confidence", integrator.DefaultConfidence, "Confidence for every extracted fact")
}

var integrateCmd = &cobra.Command{
	Use:   "integrate <description> [file|-]",
	Short: "Turn a task result into facts",
	Long: `Turn a task result into facts.

A JSON object contributes one fact per scalar value, under the subject
"<description prefix> - <key>". Any other input is read as text, and every
"label: value" line becomes a fact. Reads stdin when no file is given.

Examples:
  echo '{"latency_ms": 42}' | factlog integrate "measure api latency"
  factlog integrate "summarize run" report.txt --confidence 0.9`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !knowledge.ValidConfidence(integrateConfidence) {
			return fmt.Errorf("--confidence must be between 0 and 1, got %v", integrateConfidence)
		}
		src := "-"
		if len(args) == 2 {
			src = args[1]
		}
		data, err := readInput(cmd, src)
		if err != nil {
			return err
		}

		return withApp(cmd.Context(), func(a *app) error {
			sum, err := newIntegrator(a).IntegrateSummary(cmd.Context(), args[0], decodeResult(data), integrateConfidence)
			switch {
			case errors.Is(err, integrator.ErrEmptyResult), errors.Is(err, integrator.ErrUnsupportedResult):
				return fmt.Errorf("nothing to integrate: %w", err)
			case err != nil:
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), sum)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Integrated %d of %d facts (%d rejected, %d failed)\n",
				sum.Accepted, sum.Extracted, sum.Rejected, sum.Failed)
			if len(sum.Subjects) > 0 {
				fmt.Fprintf(out, "%s %s\n", dimStyle.Render("subjects:"), strings.Join(sum.Subjects, ", "))
			}
			return nil
		})
	},
}
