package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"dbconsole-agent/internal/domain"
	"dbconsole-agent/internal/usecase"
)

type stubChat struct {
	session domain.Session
	turns   []domain.Turn
	err     error

	calls      []string
	start      usecase.StartInput
	message    usecase.SendMessageInput
	prompt     usecase.SelectPromptInput
	action     usecase.ActionInput
	sessionID  string
	turnsLimit int
}

func (s *stubChat) Workflows() []domain.Workflow {
	return []domain.Workflow{{
		ID:      "aurora-postgres",
		Title:   "Aurora PostgreSQL",
		Options: []domain.Option{{ID: "serverless", Title: "Serverless"}},
		Steps:   []domain.Step{{ID: "requirements", Title: "Requirements", Status: domain.StepPending}},
	}}
}

func (s *stubChat) StartSession(_ context.Context, in usecase.StartInput) (domain.Session, error) {
	s.calls = append(s.calls, "start")
	s.start = in
	return s.session, s.err
}

func (s *stubChat) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.calls = append(s.calls, "get")
	s.sessionID = id
	return s.session, s.err
}

func (s *stubChat) Transcript(_ context.Context, id string, limit int) ([]domain.Turn, error) {
	s.calls = append(s.calls, "turns")
	s.sessionID = id
	s.turnsLimit = limit
	return s.turns, s.err
}

func (s *stubChat) SendMessage(_ context.Context, in usecase.SendMessageInput) (domain.Session, error) {
	s.calls = append(s.calls, "message")
	s.message = in
	return s.session, s.err
}

func (s *stubChat) SelectPrompt(_ context.Context, in usecase.SelectPromptInput) (domain.Session, error) {
	s.calls = append(s.calls, "prompt")
	s.prompt = in
	return s.session, s.err
}

func (s *stubChat) ConfirmSelection(_ context.Context, id string) (domain.Session, error) {
	s.calls = append(s.calls, "confirm")
	s.sessionID = id
	return s.session, s.err
}

func (s *stubChat) TriggerAction(_ context.Context, in usecase.ActionInput) (domain.Session, error) {
	s.calls = append(s.calls, "action")
	s.action = in
	return s.session, s.err
}

type stubQuery struct {
	result domain.QueryResult
	err    error
	kind   string
	in     usecase.QueryInput
}

func (s *stubQuery) Datasets() []string { return []string{"ecommerce", "saas"} }

func (s *stubQuery) NaturalLanguage(in usecase.QueryInput) (domain.QueryResult, error) {
	s.kind, s.in = "nl", in
	return s.result, s.err
}

func (s *stubQuery) SQL(in usecase.QueryInput) (domain.QueryResult, error) {
	s.kind, s.in = "sql", in
	return s.result, s.err
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T) (*Handler, *stubChat, *stubQuery) {
	t.Helper()
	chat := &stubChat{session: domain.Session{
		ID:         "sess-1",
		WorkflowID: "aurora-postgres",
		Version:    3,
		State:      domain.WorkflowState{View: domain.ViewConversation},
	}}
	query := &stubQuery{result: domain.QueryResult{Success: true, SQL: "SELECT 1", RowCount: 1}}
	h, err := NewHandler(chat, query)
	require.NoError(t, err)
	return h, chat, query
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubQuery{})
	require.Error(t, err)
	_, err = NewHandler(&stubChat{}, nil)
	require.Error(t, err)
}

func TestHandle_Routes(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		call   string
	}{
		{name: "start", method: http.MethodPost, path: "/sessions", body: `{"workflowId":"aurora-postgres"}`, status: http.StatusCreated, call: "start"},
		{name: "get", method: http.MethodGet, path: "/sessions/sess-1", status: http.StatusOK, call: "get"},
		{name: "turns", method: http.MethodGet, path: "/sessions/sess-1/turns", status: http.StatusOK, call: "turns"},
		{name: "message", method: http.MethodPost, path: "/sessions/sess-1/messages", body: `{"content":"hi"}`, status: http.StatusOK, call: "message"},
		{name: "prompt", method: http.MethodPost, path: "/sessions/sess-1/prompts", body: `{"promptId":"serverless"}`, status: http.StatusOK, call: "prompt"},
		{name: "confirm", method: http.MethodPost, path: "/sessions/sess-1/confirm", status: http.StatusOK, call: "confirm"},
		{name: "action", method: http.MethodPost, path: "/sessions/sess-1/actions/", body: `{"action":"create-cluster"}`, status: http.StatusOK, call: "action"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, chat, _ := newTestHandler(t)

			resp, err := h.Handle(context.Background(), makeEvent(tc.method, tc.path, tc.body))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode, resp.Body)
			require.Equal(t, []string{tc.call}, chat.calls)
		})
	}
}

func TestHandle_SessionBodies(t *testing.T) {
	h, chat, _ := newTestHandler(t)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/messages", `{"content":"I need a cluster","optionId":"serverless"}`))
	require.NoError(t, err)
	require.Equal(t, usecase.SendMessageInput{SessionID: "sess-1", Content: "I need a cluster", OptionID: "serverless"}, chat.message)

	out := parseBody[sessionResponse](t, resp.Body)
	require.Equal(t, "sess-1", out.SessionID)
	require.Equal(t, 3, out.Version)
	require.Equal(t, domain.ViewConversation, out.State.View)

	_, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/actions", `{"action":"create-cluster","label":"Create"}`))
	require.NoError(t, err)
	require.Equal(t, usecase.ActionInput{SessionID: "sess-1", Action: "create-cluster", Label: "Create"}, chat.action)

	_, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/prompts", `{"promptId":"pitr"}`))
	require.NoError(t, err)
	require.Equal(t, usecase.SelectPromptInput{SessionID: "sess-1", PromptID: "pitr"}, chat.prompt)
}

func TestHandle_TurnsLimit(t *testing.T) {
	h, chat, _ := newTestHandler(t)
	chat.turns = []domain.Turn{{ID: "t1", Role: domain.RoleUser, Content: "hi"}}

	event := makeEvent(http.MethodGet, "/sessions/sess-1/turns", "")
	event.QueryStringParameters = map[string]string{"limit": "5"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 5, chat.turnsLimit)

	out := parseBody[turnsResponse](t, resp.Body)
	require.Len(t, out.Turns, 1)

	event.QueryStringParameters = map[string]string{"limit": "many"}
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_Query(t *testing.T) {
	h, _, query := newTestHandler(t)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/query", `{"dataset":"ecommerce","query":"top customers"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nl", query.kind)
	require.Equal(t, usecase.QueryInput{Dataset: "ecommerce", Text: "top customers"}, query.in)
	require.True(t, parseBody[domain.QueryResult](t, resp.Body).Success)

	_, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/query/sql", `{"dataset":"saas","sql":"SELECT * FROM plans"}`))
	require.NoError(t, err)
	require.Equal(t, "sql", query.kind)
	require.Equal(t, usecase.QueryInput{Dataset: "saas", Text: "SELECT * FROM plans"}, query.in)
}

func TestHandle_Workflows(t *testing.T) {
	h, _, _ := newTestHandler(t)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/workflows", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[catalogResponse](t, resp.Body)
	require.Len(t, out.Workflows, 1)
	require.Equal(t, "aurora-postgres", out.Workflows[0].ID)
	require.Equal(t, []string{"ecommerce", "saas"}, out.Datasets)
}

func TestHandle_InvalidBody(t *testing.T) {
	h, chat, _ := newTestHandler(t)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/messages", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, chat.calls)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_Base64Body(t *testing.T) {
	h, chat, _ := newTestHandler(t)

	event := makeEvent(http.MethodPost, "/sessions/sess-1/messages", base64.StdEncoding.EncodeToString([]byte(`{"content":"hello"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", chat.message.Content)
}

func TestHandle_UnknownRouteAndMethod(t *testing.T) {
	h, _, _ := newTestHandler(t)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodDelete, "/sessions/sess-1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "invalid question", err: &usecase.Error{Code: usecase.ErrorInvalidQuestion, Reason: "flagged"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidQuestion)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "session_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "busy", err: &usecase.Error{Code: usecase.ErrorAgentBusy, Reason: "agent_typing"}, status: http.StatusConflict, code: string(usecase.ErrorAgentBusy)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "version_conflict"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "model_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "model_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "session_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, chat, _ := newTestHandler(t)
			chat.err = tc.err

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/messages", `{"content":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_GeneratesCorrelationID(t *testing.T) {
	h, _, _ := newTestHandler(t)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/sessions/sess-1", ""))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, _, _ := newTestHandler(t)

	event := makeEvent(http.MethodGet, "/sessions/sess-1", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
