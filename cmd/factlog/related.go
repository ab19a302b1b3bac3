package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/factlog/internal/related"
)

var (
	relatedLimit int
	relatedRank  bool
)

func init() {
	rootCmd.AddCommand(relatedCmd)
	relatedCmd.Flags().IntVar(&relatedLimit, "limit", related.DefaultLimit, "Maximum number of facts to return")
	relatedCmd.Flags().BoolVar(&relatedRank, "rank", false, "Order matches by confidence instead of store order")
}

var relatedCmd = &cobra.Command{
	Use:   "related <description>",
	Short: "Find facts related to a task description",
	Long: `Find facts sharing a keyword with a task description.

Keywords are the lower-cased words of the description longer than three
characters. A fact matches when a keyword appears in its subject or text.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc := strings.Join(args, " ")
		return withApp(cmd.Context(), func(a *app) error {
			var opts []related.Option
			if relatedRank {
				opts = append(opts, related.RankByConfidence())
			}
			matches := related.New(a.store, opts...).Find(cmd.Context(), desc, relatedLimit)
			if matches == nil {
				matches = []related.Match{}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), matches)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", dimStyle.Render("keywords:"), strings.Join(related.Keywords(desc), ", "))
			if len(matches) == 0 {
				fmt.Fprintln(out, "No related facts.")
				return nil
			}
			w := newTable(out)
			fmt.Fprintln(w, headerStyle.Render("SUBJECT")+"\t"+headerStyle.Render("CONFIDENCE")+"\t"+headerStyle.Render("KEYWORD")+"\t"+headerStyle.Render("FACT"))
			for _, m := range matches {
				fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\n", m.Subject, m.Confidence, m.Keyword, truncate(m.Fact, 60))
			}
			return w.Flush()
		})
	},
}
