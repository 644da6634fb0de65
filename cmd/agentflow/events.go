package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/quailyquaily/agentflow/audit"
	"github.com/quailyquaily/agentflow/internal/clifmt"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var (
		f      audit.Filter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print recorded audit events, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := auditFromViper(loggerFromViper(cmd.ErrOrStderr()))
			defer rec.Close()

			events, err := rec.List(cmd.Context(), f)
			if errors.Is(err, audit.ErrNotListable) {
				return fmt.Errorf("audit.sink must be jsonl or sqlite to read events back")
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(nonNil(events))
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Owner, "owner", "", "only events for this owner")
	cmd.Flags().StringVar(&f.PipelineID, "pipeline", "", "only events for this pipeline id")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "only events for this task id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "stop after this many events (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON")
	return cmd
}

func printEvents(w io.Writer, events []audit.Event) {
	fmt.Fprintln(w, clifmt.Headerf("Events (%d)", len(events)))
	for _, e := range events {
		subject := e.PipelineID
		if e.TaskID != "" {
			subject = e.TaskID
		}
		line := fmt.Sprintf("%s  %-18s %s  %s", e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Type, clifmt.Status(e.Status), subject)
		if e.Step != nil {
			line += fmt.Sprintf("  step=%d", *e.Step)
		}
		if e.ErrorCode != "" {
			line += "  " + clifmt.Fail(e.ErrorCode)
		}
		fmt.Fprintln(w, line)
		if msg := strings.TrimSpace(e.Message); msg != "" {
			fmt.Fprintf(w, "    %s\n", clifmt.Dim(msg))
		}
	}
}
