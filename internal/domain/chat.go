package domain

// ChatMessage is the provider-agnostic chat message shape used by the usecase
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelOutput is what the model-call boundary hands back: the raw completion
// text and whether the provider cut it short at its length limit.
type ModelOutput struct {
	Text         string
	WasTruncated bool
}
