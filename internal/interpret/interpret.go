// Package interpret turns raw model completions into typed responses.
//
// Interpretation is total: malformed or missing JSON degrades to a plain
// message and truncated JSON degrades to a fixed advisory, so callers never
// have to handle a parse error.
package interpret

import (
	"encoding/json"
	"regexp"
	"strings"

	"dbconsole-agent/internal/domain"
)

// TruncatedMessage replaces a response whose JSON was cut off by the model's
// length limit.
const TruncatedMessage = "The response was too large and got truncated. Please try a simpler request or ask for the content in smaller parts."

var (
	jsonFence  = regexp.MustCompile("(?is)```json\\s*(.*?)```")
	fenceStart = regexp.MustCompile("(?i)```json")
)

const fenceOpener = "```json"

// envelope holds each field raw so one malformed optional field does not
// discard the rest of the response.
type envelope struct {
	Message              json.RawMessage `json:"message"`
	Component            json.RawMessage `json:"component"`
	SuggestedActions     json.RawMessage `json:"suggestedActions"`
	RequiresConfirmation json.RawMessage `json:"requiresConfirmation"`
	ConfirmAction        json.RawMessage `json:"confirmAction"`
}

// Interpret extracts an InterpretedResponse from raw model text. A fenced
// ```json block wins over a bare JSON object; anything else is a plain message.
func Interpret(raw string, wasTruncated bool) domain.InterpretedResponse {
	trimmed := strings.TrimSpace(raw)

	var body string
	attempted := false
	if b, ok := fencedBody(raw); ok {
		body, attempted = b, true
	} else if strings.HasPrefix(trimmed, "{") {
		body, attempted = trimmed, true
	}

	if attempted {
		if resp, ok := decode(body); ok {
			return resp
		}
	}

	if wasTruncated && (attempted || looksLikeJSON(trimmed)) {
		return domain.InterpretedResponse{Message: TruncatedMessage}
	}
	return domain.InterpretedResponse{Message: Sanitize(trimmed)}
}

// fencedBody returns the first JSON value after a ```json opener. Decoding
// the value instead of searching for the closing fence keeps backticks inside
// string literals, such as a ```sql block in the message, from ending it early.
func fencedBody(raw string) (string, bool) {
	loc := fenceStart.FindStringIndex(raw)
	if loc == nil {
		return "", false
	}
	rest := raw[loc[1]:]
	for _, candidate := range []string{rest, repairEscapes(rest)} {
		var v json.RawMessage
		if json.NewDecoder(strings.NewReader(candidate)).Decode(&v) == nil {
			return string(v), true
		}
	}
	if m := jsonFence.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	return "", false
}

func looksLikeJSON(trimmed string) bool {
	if strings.HasPrefix(trimmed, "{") {
		return true
	}
	return len(trimmed) >= len(fenceOpener) && strings.EqualFold(trimmed[:len(fenceOpener)], fenceOpener)
}

func decode(body string) (domain.InterpretedResponse, bool) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return domain.InterpretedResponse{}, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		env = envelope{}
		if err := json.Unmarshal([]byte(repairEscapes(body)), &env); err != nil {
			return domain.InterpretedResponse{}, false
		}
	}

	var out domain.InterpretedResponse
	var msg string
	if json.Unmarshal(env.Message, &msg) == nil {
		out.Message = Sanitize(msg)
	}
	if present(env.Component) {
		var d domain.UiDirective
		if json.Unmarshal(env.Component, &d) == nil {
			out.Directive = &d
		}
	}
	if present(env.SuggestedActions) {
		var actions []domain.SuggestedAction
		if json.Unmarshal(env.SuggestedActions, &actions) == nil && len(actions) > 0 {
			out.SuggestedActions = actions
		}
	}
	if present(env.RequiresConfirmation) {
		_ = json.Unmarshal(env.RequiresConfirmation, &out.RequiresConfirmation)
	}
	if present(env.ConfirmAction) {
		var ca domain.ConfirmAction
		if json.Unmarshal(env.ConfirmAction, &ca) == nil {
			out.ConfirmAction = &ca
		}
	}
	return out, true
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
