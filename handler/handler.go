package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"dbconsole-agent/internal/domain"
	"dbconsole-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatUseCase interface {
	Workflows() []domain.Workflow
	StartSession(ctx context.Context, in usecase.StartInput) (domain.Session, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
	Transcript(ctx context.Context, id string, limit int) ([]domain.Turn, error)
	SendMessage(ctx context.Context, in usecase.SendMessageInput) (domain.Session, error)
	SelectPrompt(ctx context.Context, in usecase.SelectPromptInput) (domain.Session, error)
	ConfirmSelection(ctx context.Context, sessionID string) (domain.Session, error)
	TriggerAction(ctx context.Context, in usecase.ActionInput) (domain.Session, error)
}

type QueryUseCase interface {
	Datasets() []string
	NaturalLanguage(in usecase.QueryInput) (domain.QueryResult, error)
	SQL(in usecase.QueryInput) (domain.QueryResult, error)
}

type Handler struct {
	chat  ChatUseCase
	query QueryUseCase
	log   *slog.Logger
}

func NewHandler(chat ChatUseCase, query QueryUseCase) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if query == nil {
		return nil, errors.New("handler: query use case must not be nil")
	}
	return &Handler{chat: chat, query: query, log: slog.Default()}, nil
}

// WithLogger replaces the request logger.
func (h *Handler) WithLogger(log *slog.Logger) *Handler {
	if log != nil {
		h.log = log
	}
	return h
}

type startRequest struct {
	WorkflowID string `json:"workflowId"`
}

type messageRequest struct {
	Content  string `json:"content"`
	OptionID string `json:"optionId"`
}

type promptRequest struct {
	PromptID string `json:"promptId"`
}

type actionRequest struct {
	Action string `json:"action"`
	Label  string `json:"label"`
}

type queryRequest struct {
	Dataset string `json:"dataset"`
	Query   string `json:"query"`
	SQL     string `json:"sql"`
}

type sessionResponse struct {
	SessionID  string               `json:"sessionId"`
	WorkflowID string               `json:"workflowId"`
	Version    int                  `json:"version"`
	State      domain.WorkflowState `json:"state"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

type turnsResponse struct {
	SessionID string        `json:"sessionId"`
	Turns     []domain.Turn `json:"turns"`
}

type workflowSummary struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	MultiSelect bool            `json:"multiSelect"`
	Options     []domain.Option `json:"options"`
	Steps       []domain.Step   `json:"steps"`
}

type catalogResponse struct {
	Workflows []workflowSummary `json:"workflows"`
	Datasets  []string          `json:"datasets"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// request is the routed form of an API Gateway event.
type request struct {
	method    string
	segments  []string
	body      []byte
	query     map[string]string
	sessionID string
}

// Handle serves an API Gateway proxy event. It never returns an error: every
// failure is rendered as a JSON error body with the matching status code.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	status, body, err := h.route(ctx, event)
	if err != nil {
		status, body = errorBody(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed", "status", status, "err", err)
		} else {
			log.Warn("request rejected", "status", status, "err", err)
		}
	}

	payload, merr := json.Marshal(body)
	if merr != nil {
		log.Error("encode response", "err", merr)
		status = http.StatusInternalServerError
		payload = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	log.Info("request", "status", status, "duration_ms", time.Since(start).Milliseconds())

	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(payload),
	}, nil
}

func (h *Handler) route(ctx context.Context, event events.APIGatewayProxyRequest) (int, any, error) {
	req, err := parseRequest(event)
	if err != nil {
		return 0, nil, err
	}

	switch {
	case match(req.segments, "workflows"):
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		return http.StatusOK, h.catalog(), nil

	case match(req.segments, "sessions"):
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		var in startRequest
		if err := req.decode(&in); err != nil {
			return 0, nil, err
		}
		sess, err := h.chat.StartSession(ctx, usecase.StartInput{WorkflowID: in.WorkflowID})
		return sessionResult(http.StatusCreated, sess, err)

	case match(req.segments, "sessions", "*"):
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		sess, err := h.chat.GetSession(ctx, req.sessionID)
		return sessionResult(http.StatusOK, sess, err)

	case match(req.segments, "sessions", "*", "turns"):
		if req.method != http.MethodGet {
			return methodNotAllowed()
		}
		limit := 0
		if raw := req.query["limit"]; raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return 0, nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_limit", Err: err}
			}
			limit = n
		}
		turns, err := h.chat.Transcript(ctx, req.sessionID, limit)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, turnsResponse{SessionID: req.sessionID, Turns: turns}, nil

	case match(req.segments, "sessions", "*", "messages"):
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		var in messageRequest
		if err := req.decode(&in); err != nil {
			return 0, nil, err
		}
		sess, err := h.chat.SendMessage(ctx, usecase.SendMessageInput{SessionID: req.sessionID, Content: in.Content, OptionID: in.OptionID})
		return sessionResult(http.StatusOK, sess, err)

	case match(req.segments, "sessions", "*", "prompts"):
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		var in promptRequest
		if err := req.decode(&in); err != nil {
			return 0, nil, err
		}
		sess, err := h.chat.SelectPrompt(ctx, usecase.SelectPromptInput{SessionID: req.sessionID, PromptID: in.PromptID})
		return sessionResult(http.StatusOK, sess, err)

	case match(req.segments, "sessions", "*", "confirm"):
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		sess, err := h.chat.ConfirmSelection(ctx, req.sessionID)
		return sessionResult(http.StatusOK, sess, err)

	case match(req.segments, "sessions", "*", "actions"):
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		var in actionRequest
		if err := req.decode(&in); err != nil {
			return 0, nil, err
		}
		sess, err := h.chat.TriggerAction(ctx, usecase.ActionInput{SessionID: req.sessionID, Action: in.Action, Label: in.Label})
		return sessionResult(http.StatusOK, sess, err)

	case match(req.segments, "query"), match(req.segments, "query", "sql"):
		if req.method != http.MethodPost {
			return methodNotAllowed()
		}
		var in queryRequest
		if err := req.decode(&in); err != nil {
			return 0, nil, err
		}
		var (
			res domain.QueryResult
			err error
		)
		if len(req.segments) == 2 {
			res, err = h.query.SQL(usecase.QueryInput{Dataset: in.Dataset, Text: firstNonEmpty(in.SQL, in.Query)})
		} else {
			res, err = h.query.NaturalLanguage(usecase.QueryInput{Dataset: in.Dataset, Text: in.Query})
		}
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	}

	return 0, nil, &usecase.Error{Code: usecase.ErrorNotFound, Reason: "unknown_route"}
}

func (h *Handler) catalog() catalogResponse {
	wfs := h.chat.Workflows()
	out := catalogResponse{Workflows: make([]workflowSummary, 0, len(wfs)), Datasets: h.query.Datasets()}
	for _, wf := range wfs {
		out.Workflows = append(out.Workflows, workflowSummary{
			ID:          wf.ID,
			Title:       wf.Title,
			MultiSelect: wf.MultiSelect,
			Options:     wf.Options,
			Steps:       wf.Steps,
		})
	}
	return out
}

func parseRequest(event events.APIGatewayProxyRequest) (request, error) {
	req := request{
		method:   strings.ToUpper(event.HTTPMethod),
		segments: splitPath(event.Path),
		query:    event.QueryStringParameters,
	}
	if len(req.segments) >= 2 && req.segments[0] == "sessions" {
		req.sessionID = req.segments[1]
	}
	if event.IsBase64Encoded {
		b, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return request{}, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body_encoding", Err: err}
		}
		req.body = b
	} else {
		req.body = []byte(event.Body)
	}
	return req, nil
}

// decode reads the JSON body into v. An empty body leaves v zero.
func (r request) decode(v any) error {
	if len(strings.TrimSpace(string(r.body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.body, v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// match compares path segments against a pattern; "*" matches any segment.
func match(segments []string, pattern ...string) bool {
	if len(segments) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return true
}

func sessionResult(status int, sess domain.Session, err error) (int, any, error) {
	if err != nil {
		return 0, nil, err
	}
	return status, sessionResponse{
		SessionID:  sess.ID,
		WorkflowID: sess.WorkflowID,
		Version:    sess.Version,
		State:      sess.State,
		UpdatedAt:  sess.UpdatedAt,
	}, nil
}

func methodNotAllowed() (int, any, error) {
	return http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"}, nil
}

func errorBody(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	return statusFor(ue.Code), errorResponse{Error: string(ue.Code), Reason: ue.Reason}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorAgentBusy, usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
