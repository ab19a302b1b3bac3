package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factlog/internal/knowledge"
)

var (
	// fact command flags
	factConfidence float64
	factSource     string
	factQuery      string
)

func init() {
	rootCmd.AddCommand(factCmd)
	factCmd.AddCommand(factGetCmd)
	factCmd.AddCommand(factPutCmd)
	factCmd.AddCommand(factListCmd)

	factPutCmd.Flags().Float64Var(&factConfidence, "confidence", 0, "Confidence between 0 and 1 (required)")
	factPutCmd.Flags().StringVar(&factSource, "source", "cli", "Provenance label")
	_ = factPutCmd.MarkFlagRequired("confidence")

	factListCmd.Flags().StringVarP(&factQuery, "query", "q", "", "Only list facts whose subject or text contains this")
}

var factCmd = &cobra.Command{
	Use:   "fact",
	Short: "Read and write facts",
	Long: `Read and write facts in the workspace fact store.

Examples:
  # Store a fact
  factlog fact put metric_x "value is 42" --confidence 0.9

  # Show the stored fact
  factlog fact get metric_x

  # List facts mentioning latency
  factlog fact list -q latency`,
}

var factGetCmd = &cobra.Command{
	Use:   "get <subject>",
	Short: "Show the stored fact for a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			f, err := a.store.Get(cmd.Context(), args[0])
			if errors.Is(err, knowledge.ErrNotFound) {
				return fmt.Errorf("no fact for %q", args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), f)
			}
			printFact(cmd, f)
			return nil
		})
	},
}

var factPutCmd = &cobra.Command{
	Use:   "put <subject> <fact>",
	Short: "Submit a fact for a subject",
	Long: `Submit a fact for a subject.

The fact replaces the stored one unless its confidence is more than the
configured tolerance below the stored confidence. Secrets in the fact text
are redacted before it is stored.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			subject := args[0]

			scrubbed := a.scrubber.Scrub(args[1])
			if scrubbed.HasFindings() {
				a.logger.Warn(ctx, "redacted secrets from fact",
					zap.String("subject", subject),
					zap.Int("findings", scrubbed.TotalFindings))
			}

			accepted, err := a.store.Upsert(ctx, subject, scrubbed.Scrubbed, factConfidence, factSource)
			if err != nil {
				return err
			}
			cur, _ := a.store.Get(ctx, subject)

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"accepted": accepted,
					"redacted": scrubbed.TotalFindings,
					"current":  cur,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verdict(accepted), subject)
			if !accepted {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(
					fmt.Sprintf("stored confidence %.2f outranks %.2f", cur.Confidence, factConfidence)))
			}
			return nil
		})
	},
}

var factListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored facts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			q := strings.ToLower(strings.TrimSpace(factQuery))
			facts := a.store.Find(cmd.Context(), func(f knowledge.Fact) bool {
				return q == "" ||
					strings.Contains(strings.ToLower(f.Subject), q) ||
					strings.Contains(strings.ToLower(f.Fact), q)
			})
			if facts == nil {
				facts = []knowledge.Fact{}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), facts)
			}
			if len(facts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No facts found.")
				return nil
			}

			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, headerStyle.Render("SUBJECT")+"\t"+headerStyle.Render("CONFIDENCE")+"\t"+headerStyle.Render("SOURCE")+"\t"+headerStyle.Render("FACT"))
			for _, f := range facts {
				fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\n", f.Subject, f.Confidence, f.Source, truncate(f.Fact, 60))
			}
			return w.Flush()
		})
	},
}

func printFact(cmd *cobra.Command, f knowledge.Fact) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", headerStyle.Render(f.Subject))
	fmt.Fprintf(out, "  Fact:        %s\n", f.Fact)
	fmt.Fprintf(out, "  Confidence:  %.2f\n", f.Confidence)
	if f.Source != "" {
		fmt.Fprintf(out, "  Source:      %s\n", f.Source)
	}
	fmt.Fprintf(out, "  Updated:     %s\n", dimStyle.Render(f.UpdatedAt().Format(time.RFC3339)))
}
