package conversation

import (
	"bytes"
	"maps"
	"slices"

	"dbconsole-agent/internal/domain"
)

func cloneState(st domain.WorkflowState) domain.WorkflowState {
	out := st
	out.Steps = slices.Clone(st.Steps)
	out.Turns = make([]domain.Turn, len(st.Turns))
	for i, t := range st.Turns {
		out.Turns[i] = cloneTurn(t)
	}
	out.CurrentPrompts = slices.Clone(st.CurrentPrompts)
	out.SelectedPromptIDs = slices.Clone(st.SelectedPromptIDs)
	out.Resource = cloneResource(st.Resource)
	return out
}

func cloneTurn(t domain.Turn) domain.Turn {
	t.Actions = cloneActions(t.Actions)
	t.Directive = cloneDirective(t.Directive)
	t.ConfirmAction = cloneConfirm(t.ConfirmAction)
	return t
}

func cloneActions(a []domain.SuggestedAction) []domain.SuggestedAction {
	return slices.Clone(a)
}

func cloneDirective(d *domain.UiDirective) *domain.UiDirective {
	if d == nil {
		return nil
	}
	c := *d
	c.Attributes = bytes.Clone(d.Attributes)
	return &c
}

func cloneConfirm(c *domain.ConfirmAction) *domain.ConfirmAction {
	if c == nil {
		return nil
	}
	out := *c
	out.Params = bytes.Clone(c.Params)
	return &out
}

func cloneResource(r *domain.ResourceInfo) *domain.ResourceInfo {
	if r == nil {
		return nil
	}
	out := *r
	out.Details = maps.Clone(r.Details)
	return &out
}
