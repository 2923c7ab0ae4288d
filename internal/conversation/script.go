package conversation

import (
	"fmt"
	"strings"

	"dbconsole-agent/internal/domain"
)

type transitionKey struct {
	cursor  int
	trigger domain.Trigger
	value   string
}

// Script is a workflow script compiled into a transition table keyed by
// (cursor, trigger, trigger value). An empty trigger value matches any value.
type Script struct {
	steps []domain.ScriptStep
	table map[transitionKey]int
}

func NewScript(steps []domain.ScriptStep) (*Script, error) {
	s := &Script{
		steps: append([]domain.ScriptStep(nil), steps...),
		table: make(map[transitionKey]int, len(steps)),
	}
	for i, st := range steps {
		if !st.Trigger.Valid() {
			return nil, fmt.Errorf("conversation: script step %d: unknown trigger %q", i, st.Trigger)
		}
		if st.TransitionToView != "" {
			if !st.TransitionToView.Valid() {
				return nil, fmt.Errorf("conversation: script step %d: unknown view %q", i, st.TransitionToView)
			}
			if st.TransitionToView == domain.ViewEntry {
				return nil, fmt.Errorf("conversation: script step %d: cannot transition back to %q", i, domain.ViewEntry)
			}
		}
		if st.Delay < 0 {
			return nil, fmt.Errorf("conversation: script step %d: negative delay", i)
		}
		if st.UpdateStep != nil && !st.UpdateStep.Status.Valid() {
			return nil, fmt.Errorf("conversation: script step %d: unknown step status %q", i, st.UpdateStep.Status)
		}
		s.table[transitionKey{cursor: i, trigger: st.Trigger, value: normalizeValue(st.TriggerValue)}] = i
	}
	return s, nil
}

func (s *Script) Len() int {
	return len(s.steps)
}

// Lookup returns the step that fires at cursor for trigger. values are tried
// in order before the wildcard entry.
func (s *Script) Lookup(cursor int, trigger domain.Trigger, values ...string) (domain.ScriptStep, bool) {
	if cursor < 0 || cursor >= len(s.steps) {
		return domain.ScriptStep{}, false
	}
	for _, v := range values {
		v = normalizeValue(v)
		if v == "" {
			continue
		}
		if i, ok := s.table[transitionKey{cursor: cursor, trigger: trigger, value: v}]; ok {
			return s.steps[i], true
		}
	}
	if i, ok := s.table[transitionKey{cursor: cursor, trigger: trigger}]; ok {
		return s.steps[i], true
	}
	return domain.ScriptStep{}, false
}

func normalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
