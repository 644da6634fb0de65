package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/internal/clifmt"
	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents tasks can be addressed to",
		RunE: func(cmd *cobra.Command, args []string) error {
			printAgents(cmd.OutOrStdout())
			return nil
		},
	}
}

func printAgents(w io.Writer) {
	fmt.Fprintln(w, clifmt.Headerf("Agents (%d)", len(flow.Agents())))
	for _, a := range flow.Agents() {
		fmt.Fprintf(w, "%s  %s\n", clifmt.Key(fmt.Sprintf("%-8s", a.ID)), a.Role)
		fmt.Fprintf(w, "          %s\n", a.Description)
		fmt.Fprintf(w, "          %s\n", clifmt.Dim("tasks: "+strings.Join(a.Tasks, ", ")))
	}
}
