package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"dbconsole-agent/internal/domain"
	"dbconsole-agent/internal/usecase"
)

func newSessionCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Drive a workflow session stored in the local database",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the session as JSON")

	// do runs op against the chat service and prints the resulting session.
	do := func(cmd *cobra.Command, op func(context.Context, *usecase.ChatService) (domain.Session, error)) error {
		ctx := cmd.Context()
		svc, err := a.chatService(ctx)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		sess, err := op(ctx, svc)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), sess)
		}
		printSession(cmd.OutOrStdout(), sess)
		return nil
	}

	var workflowID string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Start a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return do(cmd, func(ctx context.Context, svc *usecase.ChatService) (domain.Session, error) {
				return svc.StartSession(ctx, usecase.StartInput{WorkflowID: workflowID})
			})
		},
	}
	newCmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "workflow id (default from configuration)")

	var optionID string
	sendCmd := &cobra.Command{
		Use:   "send <session-id> <message...>",
		Short: "Send a typed message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return do(cmd, func(ctx context.Context, svc *usecase.ChatService) (domain.Session, error) {
				return svc.SendMessage(ctx, usecase.SendMessageInput{
					SessionID: args[0],
					Content:   strings.Join(args[1:], " "),
					OptionID:  optionID,
				})
			})
		},
	}
	sendCmd.Flags().StringVar(&optionID, "option", "", "entry option the first message starts")

	selectCmd := &cobra.Command{
		Use:   "select <session-id> <prompt-id>",
		Short: "Pick a suggested prompt (toggles it in multi-select workflows)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return do(cmd, func(ctx context.Context, svc *usecase.ChatService) (domain.Session, error) {
				return svc.SelectPrompt(ctx, usecase.SelectPromptInput{SessionID: args[0], PromptID: args[1]})
			})
		},
	}

	confirmCmd := &cobra.Command{
		Use:   "confirm <session-id>",
		Short: "Submit the prompts toggled in a multi-select workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return do(cmd, func(ctx context.Context, svc *usecase.ChatService) (domain.Session, error) {
				return svc.ConfirmSelection(ctx, args[0])
			})
		},
	}

	var label string
	actionCmd := &cobra.Command{
		Use:   "action <session-id> <action>",
		Short: "Trigger an action such as a confirm button",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return do(cmd, func(ctx context.Context, svc *usecase.ChatService) (domain.Session, error) {
				return svc.TriggerAction(ctx, usecase.ActionInput{SessionID: args[0], Action: args[1], Label: label})
			})
		},
	}
	actionCmd.Flags().StringVar(&label, "label", "", "label recorded as the user turn (default is the action)")

	var limit int
	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var turns []domain.Turn
			err := do(cmd, func(ctx context.Context, svc *usecase.ChatService) (domain.Session, error) {
				sess, err := svc.GetSession(ctx, args[0])
				if err != nil {
					return domain.Session{}, err
				}
				turns, err = svc.Transcript(ctx, args[0], limit)
				return sess, err
			})
			if err != nil || asJSON {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "transcript:")
			for _, t := range turns {
				fmt.Fprintf(out, "  %-6s %s\n", t.Role+":", t.Content)
			}
			return nil
		},
	}
	showCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of most recent turns to print")

	cmd.AddCommand(newCmd, sendCmd, selectCmd, confirmCmd, actionCmd, showCmd)
	return cmd
}

func printSession(w io.Writer, sess domain.Session) {
	st := sess.State
	fmt.Fprintf(w, "session %s (%s) v%d view=%s\n", sess.ID, sess.WorkflowID, sess.Version, st.View)

	fmt.Fprintln(w, "steps:")
	for _, s := range st.Steps {
		fmt.Fprintf(w, "  [%s] %s\n", stepMarker(s.Status), s.Title)
	}
	if r := st.Resource; r != nil {
		fmt.Fprintf(w, "resource: %s (%s) %s in %s", r.Name, r.Type, r.Status, r.Region)
		if r.Endpoint != "" {
			fmt.Fprintf(w, " at %s", r.Endpoint)
		}
		fmt.Fprintln(w)
	}

	if t, ok := lastAgentTurn(st.Turns); ok {
		fmt.Fprintf(w, "%s: %s\n", t.Role, t.Content)
		if t.Directive != nil {
			fmt.Fprintf(w, "  component: %s %s\n", t.Directive.Kind, string(t.Directive.Attributes))
		}
		if t.ConfirmAction != nil {
			fmt.Fprintf(w, "  confirm: [%s] -> %s\n", t.ConfirmAction.Label, t.ConfirmAction.Action)
		}
	}

	if len(st.CurrentPrompts) > 0 {
		fmt.Fprintln(w, "prompts:")
		selected := make(map[string]bool, len(st.SelectedPromptIDs))
		for _, id := range st.SelectedPromptIDs {
			selected[id] = true
		}
		for _, p := range st.CurrentPrompts {
			mark := " "
			if selected[p.ID] {
				mark = "*"
			}
			fmt.Fprintf(w, " %s %-16s %s\n", mark, p.ID, p.Label)
		}
	}
}

func lastAgentTurn(turns []domain.Turn) (domain.Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != domain.RoleUser {
			return turns[i], true
		}
	}
	return domain.Turn{}, false
}

func stepMarker(s domain.StepStatus) string {
	switch s {
	case domain.StepSuccess:
		return "x"
	case domain.StepInProgress:
		return ">"
	case domain.StepError:
		return "!"
	default:
		return " "
	}
}
