package domain

import "time"

type View string

const (
	ViewEntry        View = "entry"
	ViewConversation View = "conversation"
	ViewSplit        View = "split"
	ViewCompletion   View = "completion"
)

// Valid reports whether v is one of the four declared views.
func (v View) Valid() bool {
	switch v {
	case ViewEntry, ViewConversation, ViewSplit, ViewCompletion:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepSuccess    StepStatus = "success"
	StepError      StepStatus = "error"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepSuccess, StepError:
		return true
	}
	return false
}

type Step struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status StepStatus `json:"status"`
}

type ResourceStatus string

const (
	ResourceCreating ResourceStatus = "creating"
	ResourceActive   ResourceStatus = "active"
	ResourceError    ResourceStatus = "error"
)

// ResourceInfo describes the resource a workflow is provisioning. It is always
// replaced as a whole.
type ResourceInfo struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Region   string            `json:"region"`
	Status   ResourceStatus    `json:"status"`
	Endpoint string            `json:"endpoint,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

type Trigger string

const (
	TriggerInitial         Trigger = "initial"
	TriggerUserMessage     Trigger = "user-message"
	TriggerPromptSelection Trigger = "prompt-selection"
	TriggerAction          Trigger = "action"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerInitial, TriggerUserMessage, TriggerPromptSelection, TriggerAction:
		return true
	}
	return false
}

// AgentTurn is the turn shape a script step appends.
type AgentTurn struct {
	Role                 Role
	Content              string
	StepCompleted        string
	Actions              []SuggestedAction
	Directive            *UiDirective
	RequiresConfirmation bool
	ConfirmAction        *ConfirmAction
}

type StepUpdate struct {
	StepID string
	Status StepStatus
}

// ScriptStep is one entry of a declarative workflow script.
type ScriptStep struct {
	Trigger          Trigger
	TriggerValue     string
	AgentResponse    AgentTurn
	NextPrompts      []SuggestedAction
	UpdateStep       *StepUpdate
	CreateResource   *ResourceInfo
	TransitionToView View
	Delay            time.Duration
}

// Option is an entry-view choice that starts a workflow.
type Option struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Workflow is the static configuration a conversation engine runs.
type Workflow struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	MultiSelect bool         `json:"multiSelect"`
	Options     []Option     `json:"options"`
	Steps       []Step       `json:"steps"`
	Script      []ScriptStep `json:"-"`
}

// WorkflowState is the mutable aggregate owned by the conversation engine.
type WorkflowState struct {
	View              View              `json:"view"`
	SelectedOptionID  string            `json:"selectedOptionId,omitempty"`
	Steps             []Step            `json:"steps"`
	CurrentStepIndex  int               `json:"currentStepIndex"`
	Turns             []Turn            `json:"turns"`
	CurrentPrompts    []SuggestedAction `json:"currentPrompts"`
	SelectedPromptIDs []string          `json:"selectedPromptIds"`
	IsAgentTyping     bool              `json:"isAgentTyping"`
	TypingSince       time.Time         `json:"typingSince,omitzero"`
	Resource          *ResourceInfo     `json:"resource,omitempty"`
	ScriptCursor      int               `json:"scriptCursor"`
	// TurnOffset counts older turns that are kept only in the turn log.
	TurnOffset        int               `json:"turnOffset,omitempty"`
}
