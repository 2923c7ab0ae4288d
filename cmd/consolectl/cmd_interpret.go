package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"dbconsole-agent/internal/interpret"
)

// newInterpretCmd parses raw model output the way the live chat path does,
// for checking prompts and directive formats offline.
func newInterpretCmd() *cobra.Command {
	var truncated bool
	cmd := &cobra.Command{
		Use:   "interpret [file]",
		Short: "Interpret raw model output into a typed response",
		Long:  "Reads model output from the file, or stdin when no file is given,\nand prints the message, directive and suggested actions it carries.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if len(args) == 1 && args[0] != "-" {
				raw, err = os.ReadFile(args[0])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("interpret: read input: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), interpret.Interpret(string(raw), truncated))
		},
	}
	cmd.Flags().BoolVar(&truncated, "truncated", false, "treat the output as cut short by the model")
	return cmd
}
