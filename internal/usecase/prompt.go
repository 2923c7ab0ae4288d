package usecase

import (
	"fmt"
	"strings"

	"dbconsole-agent/internal/domain"
)

type promptContext struct {
	pinnedPrompt string
	workflow     domain.Workflow
	state        domain.WorkflowState
}

// buildPromptMessages assembles the policy prompt, the workflow context and
// the most recent maxItems history messages. history already ends with the
// message being answered.
func buildPromptMessages(pc promptContext, history []domain.ChatMessage, maxItems int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt(pc.pinnedPrompt)},
		{Role: "system", Content: buildWorkflowContextPrompt(pc.workflow, pc.state)},
	}
	if maxItems > 0 && len(history) > maxItems {
		history = history[len(history)-maxItems:]
	}
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

func buildPolicyPrompt(pinned string) string {
	parts := []string{
		"Role:",
		"You are a database console assistant guiding the user through provisioning and querying a managed database.",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}
	if pinned = strings.TrimSpace(pinned); pinned != "" {
		parts = append([]string{pinned, ""}, parts...)
	}
	return strings.Join(parts, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer the latest user message using the workflow context in this request.",
		"2) Keep replies short and practical.",
		"3) Never claim a resource exists unless the context lists it.",
		"4) Ask for confirmation before any action that creates or deletes a resource.",
		"5) If the request cannot be served, say so plainly and suggest a next step.",
	}, "\n")
}

func outputContract() string {
	return "Reply with plain text, or with a single ```json fenced block containing an object with keys: " +
		"message (string, required), " +
		"component (object with type and props, optional), " +
		"suggestedActions (array of {id, text}, optional), " +
		"requiresConfirmation (boolean, optional), " +
		"confirmAction (object with label, variant, action, params, optional). " +
		"Do not escape punctuation inside strings."
}

func buildWorkflowContextPrompt(wf domain.Workflow, st domain.WorkflowState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\n", firstNonEmpty(wf.Title, wf.ID))
	fmt.Fprintf(&b, "View: %s\n", st.View)
	if st.SelectedOptionID != "" {
		fmt.Fprintf(&b, "Selected option: %s\n", st.SelectedOptionID)
	}
	if len(st.Steps) > 0 {
		b.WriteString("Steps:\n")
		for i, s := range st.Steps {
			marker := " "
			if i == st.CurrentStepIndex {
				marker = ">"
			}
			fmt.Fprintf(&b, "%s %d. %s [%s]\n", marker, i+1, s.Title, s.Status)
		}
	}
	if r := st.Resource; r != nil {
		fmt.Fprintf(&b, "Resource: %s (%s) in %s, status %s", r.Name, r.Type, r.Region, r.Status)
		if r.Endpoint != "" {
			fmt.Fprintf(&b, ", endpoint %s", r.Endpoint)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Resource: none\n")
	}
	if len(st.CurrentPrompts) > 0 {
		labels := make([]string, len(st.CurrentPrompts))
		for i, p := range st.CurrentPrompts {
			labels[i] = p.Label
		}
		fmt.Fprintf(&b, "Offered prompts: %s\n", strings.Join(labels, " | "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
