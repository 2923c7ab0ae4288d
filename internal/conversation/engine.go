// Package conversation drives a scripted, multi-turn workflow.
//
// The Engine owns a WorkflowState and is the only thing that mutates it. A
// submission appends the user turn, raises the typing flag and returns a
// Dispatch describing what has to happen next: a scripted step to be applied
// after its typing delay, or a live model call. The caller performs the wait
// or the call and reports back with CompleteScripted, CompleteLive or Fail.
// While the flag is raised every other submission fails with ErrAgentBusy.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbconsole-agent/internal/domain"
)

var (
	ErrAgentBusy       = errors.New("conversation: agent is still responding")
	ErrEmptyMessage    = errors.New("conversation: message must not be empty")
	ErrUnknownPrompt   = errors.New("conversation: prompt is not offered")
	ErrNothingSelected = errors.New("conversation: no prompts selected")
	ErrNoPendingTurn   = errors.New("conversation: no agent turn is pending")
	ErrStaleDispatch   = errors.New("conversation: dispatch does not match the script cursor")
	ErrNotStarted      = errors.New("conversation: send a message to start the conversation first")
)

type DispatchKind int

const (
	DispatchNone DispatchKind = iota
	DispatchScripted
	DispatchLive
)

func (k DispatchKind) String() string {
	switch k {
	case DispatchScripted:
		return "scripted"
	case DispatchLive:
		return "live"
	}
	return "none"
}

// Dispatch is the work a submission left pending.
type Dispatch struct {
	Kind DispatchKind
	// Step and Cursor are set for scripted dispatches.
	Step   domain.ScriptStep
	Cursor int
	Delay  time.Duration
	// History is the user/agent transcript for live dispatches, oldest first.
	History []domain.ChatMessage
}

type Engine struct {
	mu     sync.Mutex
	wf     domain.Workflow
	script *Script
	state  domain.WorkflowState
	now    func() time.Time
	newID  func() string
}

type Option func(*Engine)

// WithState resumes a previously persisted state.
func WithState(st domain.WorkflowState) Option {
	return func(e *Engine) {
		e.state = cloneState(st)
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDs(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

func NewEngine(wf domain.Workflow, opts ...Option) (*Engine, error) {
	if err := validateWorkflow(wf); err != nil {
		return nil, err
	}
	script, err := NewScript(wf.Script)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		wf:     wf,
		script: script,
		state:  initialState(wf),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.normalize()
	return e, nil
}

func initialState(wf domain.Workflow) domain.WorkflowState {
	steps := make([]domain.Step, len(wf.Steps))
	for i, s := range wf.Steps {
		if s.Status == "" {
			s.Status = domain.StepPending
		}
		steps[i] = s
	}
	return domain.WorkflowState{
		View:              domain.ViewEntry,
		Steps:             steps,
		Turns:             []domain.Turn{},
		CurrentPrompts:    []domain.SuggestedAction{},
		SelectedPromptIDs: []string{},
	}
}

// normalize re-establishes the state invariants after a restore.
func (e *Engine) normalize() {
	st := &e.state
	if !st.View.Valid() {
		st.View = domain.ViewEntry
	}
	if st.Steps == nil {
		st.Steps = []domain.Step{}
	}
	if st.Turns == nil {
		st.Turns = []domain.Turn{}
	}
	if st.CurrentPrompts == nil {
		st.CurrentPrompts = []domain.SuggestedAction{}
	}
	st.SelectedPromptIDs = e.filterSelected(st.SelectedPromptIDs)
	if st.TurnOffset < 0 {
		st.TurnOffset = 0
	}
	if st.ScriptCursor < 0 {
		st.ScriptCursor = 0
	}
	if st.ScriptCursor > e.script.Len() {
		st.ScriptCursor = e.script.Len()
	}
	if !st.IsAgentTyping {
		st.TypingSince = time.Time{}
	}
	e.recomputeStepIndex()
}

func (e *Engine) Workflow() domain.Workflow {
	return e.wf
}

// State returns a deep copy of the current state.
func (e *Engine) State() domain.WorkflowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneState(e.state)
}

// SubmitUserMessage records free text typed by the user. From the entry view
// it starts the conversation, remembering the chosen option.
func (e *Engine) SubmitUserMessage(content, optionID string) (Dispatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.IsAgentTyping {
		return Dispatch{}, ErrAgentBusy
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Dispatch{}, ErrEmptyMessage
	}

	triggers := []domain.Trigger{domain.TriggerUserMessage}
	if e.state.View == domain.ViewEntry {
		e.state.View = domain.ViewConversation
		if optionID = strings.TrimSpace(optionID); optionID != "" {
			e.state.SelectedOptionID = optionID
		}
		triggers = []domain.Trigger{domain.TriggerInitial, domain.TriggerUserMessage}
	}
	e.appendTurn(domain.Turn{Role: domain.RoleUser, Content: content})
	return e.dispatch(triggers, content), nil
}

// SelectPrompt picks one of the current prompts. In single-select workflows
// the prompt is submitted immediately; in multi-select workflows it only
// toggles membership of the selection.
func (e *Engine) SelectPrompt(id string) (Dispatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.IsAgentTyping {
		return Dispatch{}, ErrAgentBusy
	}
	prompt, ok := e.findPrompt(id)
	if !ok {
		return Dispatch{}, fmt.Errorf("%w: %q", ErrUnknownPrompt, id)
	}

	if e.wf.MultiSelect {
		e.toggleSelected(prompt.ID)
		return Dispatch{Kind: DispatchNone}, nil
	}

	e.state.SelectedPromptIDs = []string{}
	e.appendTurn(domain.Turn{Role: domain.RoleUser, Content: prompt.Label})
	return e.dispatch([]domain.Trigger{domain.TriggerPromptSelection}, prompt.ID, prompt.Label), nil
}

// ConfirmSelection submits the multi-selected prompts as one user turn whose
// content is their labels, in prompt order, joined by ", ".
func (e *Engine) ConfirmSelection() (Dispatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.IsAgentTyping {
		return Dispatch{}, ErrAgentBusy
	}
	if len(e.state.SelectedPromptIDs) == 0 {
		return Dispatch{}, ErrNothingSelected
	}

	selected := make(map[string]struct{}, len(e.state.SelectedPromptIDs))
	for _, id := range e.state.SelectedPromptIDs {
		selected[id] = struct{}{}
	}
	var ids, labels []string
	for _, p := range e.state.CurrentPrompts {
		if _, ok := selected[p.ID]; ok {
			ids = append(ids, p.ID)
			labels = append(labels, p.Label)
		}
	}
	content := strings.Join(labels, ", ")

	e.state.SelectedPromptIDs = []string{}
	e.appendTurn(domain.Turn{Role: domain.RoleUser, Content: content})
	return e.dispatch([]domain.Trigger{domain.TriggerPromptSelection}, strings.Join(ids, ","), content), nil
}

// TriggerAction fires a confirm action. label is what the user clicked and
// becomes the content of the user turn; it defaults to the action name.
// Actions are only accepted once a message has left the entry view.
func (e *Engine) TriggerAction(action, label string) (Dispatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.IsAgentTyping {
		return Dispatch{}, ErrAgentBusy
	}
	if e.state.View == domain.ViewEntry {
		return Dispatch{}, ErrNotStarted
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return Dispatch{}, ErrEmptyMessage
	}
	content := strings.TrimSpace(label)
	if content == "" {
		content = action
	}
	e.appendTurn(domain.Turn{Role: domain.RoleUser, Content: content})
	return e.dispatch([]domain.Trigger{domain.TriggerAction}, action), nil
}

// dispatch raises the typing flag and resolves the pending work: the script
// step at the cursor when one matches, otherwise the live model path.
func (e *Engine) dispatch(triggers []domain.Trigger, values ...string) Dispatch {
	e.state.IsAgentTyping = true
	e.state.TypingSince = e.now()

	for _, trig := range triggers {
		if step, ok := e.script.Lookup(e.state.ScriptCursor, trig, values...); ok {
			return Dispatch{
				Kind:   DispatchScripted,
				Step:   step,
				Cursor: e.state.ScriptCursor,
				Delay:  step.Delay,
			}
		}
	}
	return Dispatch{Kind: DispatchLive, History: e.history()}
}

// CompleteScripted applies a scripted dispatch once its typing delay is over.
func (e *Engine) CompleteScripted(d Dispatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsAgentTyping {
		return ErrNoPendingTurn
	}
	if d.Kind != DispatchScripted || d.Cursor != e.state.ScriptCursor {
		return ErrStaleDispatch
	}

	step := d.Step
	resp := step.AgentResponse
	role := resp.Role
	if role == "" {
		role = domain.RoleAgent
	}
	e.appendTurn(domain.Turn{
		Role:                 role,
		Content:              resp.Content,
		StepCompleted:        resp.StepCompleted,
		Actions:              cloneActions(resp.Actions),
		Directive:            cloneDirective(resp.Directive),
		RequiresConfirmation: resp.RequiresConfirmation,
		ConfirmAction:        cloneConfirm(resp.ConfirmAction),
	})
	if step.UpdateStep != nil {
		e.updateStep(step.UpdateStep.StepID, step.UpdateStep.Status)
	}
	if step.CreateResource != nil {
		e.state.Resource = cloneResource(step.CreateResource)
	}
	if step.NextPrompts != nil {
		e.state.CurrentPrompts = cloneActions(step.NextPrompts)
		if e.state.CurrentPrompts == nil {
			e.state.CurrentPrompts = []domain.SuggestedAction{}
		}
		e.state.SelectedPromptIDs = []string{}
	}
	// Entry only ever moves to Conversation, and nothing moves back to Entry.
	if e.state.View != domain.ViewEntry && step.TransitionToView != "" && step.TransitionToView != domain.ViewEntry {
		e.state.View = step.TransitionToView
	}
	e.state.ScriptCursor++
	e.clearTyping()
	return nil
}

// CompleteLive appends an interpreted model response as the agent turn.
// Suggested actions, when present, become the current prompts.
func (e *Engine) CompleteLive(resp domain.InterpretedResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsAgentTyping {
		return ErrNoPendingTurn
	}
	e.appendTurn(domain.Turn{
		Role:                 domain.RoleAgent,
		Content:              resp.Message,
		Actions:              cloneActions(resp.SuggestedActions),
		Directive:            cloneDirective(resp.Directive),
		RequiresConfirmation: resp.RequiresConfirmation,
		ConfirmAction:        cloneConfirm(resp.ConfirmAction),
	})
	if len(resp.SuggestedActions) > 0 {
		e.state.CurrentPrompts = cloneActions(resp.SuggestedActions)
		e.state.SelectedPromptIDs = []string{}
	}
	e.clearTyping()
	return nil
}

// Fail records a failed agent turn as a visible error turn. The script cursor
// does not move.
func (e *Engine) Fail(reason error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsAgentTyping {
		return ErrNoPendingTurn
	}
	msg := "unknown error"
	if reason != nil {
		msg = reason.Error()
	}
	e.appendTurn(domain.Turn{Role: domain.RoleError, Content: "Error: " + msg})
	e.clearTyping()
	return nil
}

// RecoverStale clears a typing flag raised longer than maxAge ago, appending
// an error turn. It reports whether anything was recovered.
func (e *Engine) RecoverStale(maxAge time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsAgentTyping || e.now().Sub(e.state.TypingSince) < maxAge {
		return false
	}
	e.appendTurn(domain.Turn{Role: domain.RoleError, Content: "Error: the previous response did not complete, please try again"})
	e.clearTyping()
	return true
}

// UpdateStep sets the status of the step with id. Unknown ids are ignored.
func (e *Engine) UpdateStep(id string, status domain.StepStatus) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateStep(id, status)
}

// SetResource replaces the observed resource as a whole.
func (e *Engine) SetResource(r domain.ResourceInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Resource = cloneResource(&r)
}

func (e *Engine) updateStep(id string, status domain.StepStatus) bool {
	if !status.Valid() {
		return false
	}
	for i := range e.state.Steps {
		if e.state.Steps[i].ID == id {
			e.state.Steps[i].Status = status
			e.recomputeStepIndex()
			return true
		}
	}
	return false
}

// recomputeStepIndex points at the first step that has not succeeded, or at
// len(steps) when all have.
func (e *Engine) recomputeStepIndex() {
	for i, s := range e.state.Steps {
		if s.Status != domain.StepSuccess {
			e.state.CurrentStepIndex = i
			return
		}
	}
	e.state.CurrentStepIndex = len(e.state.Steps)
}

func (e *Engine) appendTurn(t domain.Turn) {
	t.ID = e.newID()
	t.CreatedAt = e.now()
	e.state.Turns = append(e.state.Turns, t)
}

func (e *Engine) clearTyping() {
	e.state.IsAgentTyping = false
	e.state.TypingSince = time.Time{}
}

func (e *Engine) history() []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(e.state.Turns))
	for _, t := range e.state.Turns {
		switch t.Role {
		case domain.RoleUser:
			out = append(out, domain.ChatMessage{Role: "user", Content: t.Content})
		case domain.RoleAgent:
			out = append(out, domain.ChatMessage{Role: "assistant", Content: t.Content})
		}
	}
	return out
}

func (e *Engine) findPrompt(id string) (domain.SuggestedAction, bool) {
	for _, p := range e.state.CurrentPrompts {
		if p.ID == id {
			return p, true
		}
	}
	return domain.SuggestedAction{}, false
}

func (e *Engine) toggleSelected(id string) {
	for i, s := range e.state.SelectedPromptIDs {
		if s == id {
			e.state.SelectedPromptIDs = append(e.state.SelectedPromptIDs[:i:i], e.state.SelectedPromptIDs[i+1:]...)
			return
		}
	}
	e.state.SelectedPromptIDs = append(e.state.SelectedPromptIDs, id)
}

// filterSelected drops ids that are not among the current prompts.
func (e *Engine) filterSelected(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		if _, ok := e.findPrompt(id); ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func validateWorkflow(wf domain.Workflow) error {
	if strings.TrimSpace(wf.ID) == "" {
		return errors.New("conversation: workflow id must not be empty")
	}
	ids := make(map[string]struct{}, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.ID == "" {
			return fmt.Errorf("conversation: workflow %q: step id must not be empty", wf.ID)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("conversation: workflow %q: duplicate step %q", wf.ID, s.ID)
		}
		if s.Status != "" && !s.Status.Valid() {
			return fmt.Errorf("conversation: workflow %q: step %q has unknown status %q", wf.ID, s.ID, s.Status)
		}
		ids[s.ID] = struct{}{}
	}
	for i, st := range wf.Script {
		if st.UpdateStep == nil {
			continue
		}
		if _, ok := ids[st.UpdateStep.StepID]; !ok {
			return fmt.Errorf("conversation: workflow %q: script step %d updates unknown step %q", wf.ID, i, st.UpdateStep.StepID)
		}
	}
	return nil
}
