package domain

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleStatus Role = "status"
	RoleError  Role = "error"
)

// UiDirective is the renderer-targeted payload. Kind and Attributes are never
// interpreted here; Attributes is kept as the exact JSON the model produced.
type UiDirective struct {
	Kind       string          `json:"type"`
	Attributes json.RawMessage `json:"props,omitempty"`
}

// SuggestedAction is a prompt the user can pick instead of typing.
type SuggestedAction struct {
	ID    string `json:"id"`
	Label string `json:"text"`
}

type ConfirmAction struct {
	Label   string          `json:"label"`
	Variant string          `json:"variant,omitempty"`
	Action  string          `json:"action"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// InterpretedResponse is the typed form of a model completion.
type InterpretedResponse struct {
	Message              string            `json:"message"`
	Directive            *UiDirective      `json:"component,omitempty"`
	SuggestedActions     []SuggestedAction `json:"suggestedActions,omitempty"`
	RequiresConfirmation bool              `json:"requiresConfirmation,omitempty"`
	ConfirmAction        *ConfirmAction    `json:"confirmAction,omitempty"`
}

// Turn is a single entry of the conversation log. Turns are appended, never
// edited.
type Turn struct {
	ID                   string            `json:"id"`
	Role                 Role              `json:"role"`
	Content              string            `json:"content"`
	StepCompleted        string            `json:"stepCompleted,omitempty"`
	Actions              []SuggestedAction `json:"actions,omitempty"`
	Directive            *UiDirective      `json:"directive,omitempty"`
	RequiresConfirmation bool              `json:"requiresConfirmation,omitempty"`
	ConfirmAction        *ConfirmAction    `json:"confirmAction,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// Session is a persisted workflow run.
type Session struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflowId"`
	Version    int           `json:"version"`
	State      WorkflowState `json:"state"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}
