package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/factlog/internal/integrator"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/taskrun"
)

var (
	runTaskID               string
	runPlanID               string
	runResult               string
	runResultConfidence     float64
	runInsights             []string
	runConclusions          []string
	runConclusionConfidence float64
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTaskID, "task-id", "", "Task identifier")
	runCmd.Flags().StringVar(&runPlanID, "plan-id", "", "Plan the task belongs to")
	runCmd.Flags().StringVar(&runResult, "result", "", "Task result to integrate (file, or - for stdin)")
	runCmd.Flags().Float64Var(&runResultConfidence, "result-confidence", integrator.DefaultConfidence, "Confidence for facts extracted from the result")
	runCmd.Flags().StringArrayVar(&runInsights, "insight", nil, "Insight to record (repeatable)")
	runCmd.Flags().StringArrayVar(&runConclusions, "conclusion", nil, "Conclusion to record (repeatable)")
	runCmd.Flags().Float64Var(&runConclusionConfidence, "conclusion-confidence", taskrun.DefaultConclusionConfidence, "Confidence for every conclusion")
}

var runCmd = &cobra.Command{
	Use:   "run <description>",
	Short: "Record a complete task run",
	Long: `Record a complete task run in the thought log.

The run starts by looking up related facts, records the given insights,
integrates the result, records the conclusions and completes. Conclusions
above the promotion threshold are stored as facts.

Example:
  factlog run "measure api latency" --result result.json \
    --conclusion "p99 latency is stable" --conclusion-confidence 0.85`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !knowledge.ValidConfidence(runResultConfidence) {
			return fmt.Errorf("--result-confidence must be between 0 and 1, got %v", runResultConfidence)
		}
		var result any
		if runResult != "" {
			data, err := readInput(cmd, runResult)
			if err != nil {
				return err
			}
			result = decodeResult(data)
		}

		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			r := taskrun.Start(ctx, a.store, taskrun.TaskInfo{
				ID:          runTaskID,
				Description: strings.Join(args, " "),
				PlanID:      runPlanID,
			},
				taskrun.WithRecorder(a.thoughts),
				taskrun.WithEvaluator(a.evaluator),
				taskrun.WithLogger(a.logger),
				taskrun.WithPromotionThreshold(a.cfg.Knowledge.PromotionThreshold),
				taskrun.WithTracer(a.telemetry.Tracer(instrumentationName)),
			)
			ctx = r.Context()

			for _, in := range runInsights {
				r.AddInsight(ctx, in, taskrun.DefaultInsightConfidence)
			}
			if result != nil && !r.Integrate(ctx, result, runResultConfidence) {
				err := errors.New("task result could not be integrated")
				if ferr := r.Fail(ctx, err); ferr != nil {
					return ferr
				}
				return err
			}
			for _, c := range runConclusions {
				r.AddConclusion(ctx, c, runConclusionConfidence)
			}

			sum, err := r.Complete(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"summary": sum,
					"related": r.Related(),
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", acceptedStyle.Render("complete"), sum.Task)
			fmt.Fprintf(out, "  Run:          %s\n", dimStyle.Render(sum.RunID))
			fmt.Fprintf(out, "  Related:      %d facts\n", len(r.Related()))
			fmt.Fprintf(out, "  Insights:     %d\n", sum.Insights)
			fmt.Fprintf(out, "  Hypotheses:   %d\n", sum.Hypotheses)
			fmt.Fprintf(out, "  Conclusions:  %d\n", sum.Conclusions)
			fmt.Fprintf(out, "  Duration:     %s\n", sum.Duration)
			return nil
		})
	},
}
