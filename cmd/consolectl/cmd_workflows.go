package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dbconsole-agent/internal/conversation"
)

func newWorkflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List the built-in workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := conversation.DefaultRegistry()
			if err != nil {
				return fmt.Errorf("workflows: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, wf := range reg.List() {
				titles := make([]string, 0, len(wf.Steps))
				for _, s := range wf.Steps {
					titles = append(titles, s.Title)
				}
				mode := "single-select"
				if wf.MultiSelect {
					mode = "multi-select"
				}
				fmt.Fprintf(out, "%s\t%s (%s)\n", wf.ID, wf.Title, mode)
				fmt.Fprintf(out, "\tsteps: %s\n", strings.Join(titles, " > "))
			}
			return nil
		},
	}
}
