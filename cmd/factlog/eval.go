package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/factlog/internal/sandbox"
)

var (
	evalImports []string
	evalInputs  []string
	evalTask    string
)

func init() {
	rootCmd.AddCommand(evalCmd)
	evalCmd.Flags().StringSliceVar(&evalImports, "import", nil, "Standard library package the snippet uses (repeatable)")
	evalCmd.Flags().StringArrayVar(&evalInputs, "input", nil, "Input binding key=value; JSON values are decoded (repeatable)")
	evalCmd.Flags().StringVar(&evalTask, "task", "", "Task description recorded with a promoted result")
}

var evalCmd = &cobra.Command{
	Use:   "eval <hypothesis> [file|-]",
	Short: "Test a hypothesis with a Go snippet",
	Long: `Test a hypothesis by running a Go snippet in the sandbox.

The snippet is the body of a function with result, verified, confidence
and evidence in scope, and inputs holding the --input bindings. A
verified result above the promotion threshold is stored as a fact.

Example:
  echo 'n := inputs["n"].(float64) * 2; result = n; verified = n > 10; confidence = 0.9' |
    factlog eval "doubling n exceeds ten" --input n=7`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := "-"
		if len(args) == 2 {
			src = args[1]
		}
		code, err := readInput(cmd, src)
		if err != nil {
			return err
		}
		inputs, err := parseInputs(evalInputs)
		if err != nil {
			return err
		}

		return withApp(cmd.Context(), func(a *app) error {
			res := a.tracker(evalTask).VerifyWithEvaluation(cmd.Context(), args[0], sandbox.Expression{
				Code:    string(code),
				Imports: evalImports,
				Inputs:  inputs,
			})
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			switch {
			case res.Error != "":
				fmt.Fprintf(out, "%s %s\n", errorStyle.Render("error"), res.Error)
				return nil
			case !res.HasResult:
				fmt.Fprintln(out, rejectedStyle.Render("no result"))
				return nil
			}
			status := rejectedStyle.Render("not verified")
			if res.Verified {
				status = acceptedStyle.Render("verified")
			}
			fmt.Fprintf(out, "%s result=%s confidence=%.2f\n", status, res.Result, res.Confidence)
			if res.Evidence != "" {
				fmt.Fprintf(out, "  Evidence: %s\n", res.Evidence)
			}
			if res.PromotedSubject != "" {
				fmt.Fprintf(out, "  Stored as %s\n", res.PromotedSubject)
			}
			return nil
		})
	},
}

// parseInputs turns key=value pairs into snippet inputs. Values that parse
// as JSON keep their decoded type; anything else stays a string.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --input %q: expected key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[strings.TrimSpace(key)] = v
	}
	return inputs, nil
}
