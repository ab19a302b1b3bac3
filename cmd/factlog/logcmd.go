package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/factlog/internal/events"
	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
)

var (
	logKinds []string
	logTail  int
)

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.AddCommand(logShowCmd)
	logCmd.AddCommand(logTailCmd)

	logShowCmd.Flags().StringSliceVar(&logKinds, "type", nil, "Only show entries of these types (repeatable)")
	logShowCmd.Flags().IntVar(&logTail, "tail", 0, "Only show the last N entries")
	logTailCmd.Flags().StringSliceVar(&logKinds, "type", nil, "Only show entries of these types (repeatable)")
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the thought log",
}

var logShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print thought log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := kindFilter(logKinds)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			var entries []thoughtlog.Entry
			err := thoughtlog.ReplayFile(a.cfg.Workspace.ThoughtLogPath(), func(e thoughtlog.Entry) error {
				if filter(e.Type) {
					entries = append(entries, e)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if logTail > 0 && len(entries) > logTail {
				entries = entries[len(entries)-logTail:]
			}

			out := cmd.OutOrStdout()
			for _, e := range entries {
				if err := printEntry(out, e); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var logTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow thought log entries published to NATS",
	Long: `Follow thought log entries as they are published to NATS.

Requires nats.enabled in the configuration. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := kindFilter(logKinds)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			if a.nats == nil {
				return errors.New("log tail needs nats.enabled and a reachable server")
			}
			out := cmd.OutOrStdout()
			entries := make(chan thoughtlog.Entry, 64)
			sub, err := events.Subscribe(a.nats, a.cfg.NATS.SubjectPrefix, func(e thoughtlog.Entry) {
				if !filter(e.Type) {
					return
				}
				select {
				case entries <- e:
				case <-cmd.Context().Done():
				}
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case e := <-entries:
					if err := printEntry(out, e); err != nil {
						return err
					}
				}
			}
		})
	},
}

func kindFilter(names []string) (func(thoughtlog.Kind) bool, error) {
	if len(names) == 0 {
		return func(thoughtlog.Kind) bool { return true }, nil
	}
	want := make(map[thoughtlog.Kind]bool, len(names))
	for _, n := range names {
		k := thoughtlog.Kind(n)
		if !k.Valid() {
			return nil, fmt.Errorf("%w: %q", thoughtlog.ErrUnknownKind, n)
		}
		want[k] = true
	}
	return func(k thoughtlog.Kind) bool { return want[k] }, nil
}

func printEntry(w io.Writer, e thoughtlog.Entry) error {
	if jsonOutput {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(line))
		return err
	}
	content, err := json.Marshal(e.Content)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s  %s  %s\n",
		dimStyle.Render(e.Time().Format(time.RFC3339)),
		headerStyle.Render(string(e.Type)),
		content)
	return err
}
