package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"dbconsole-agent/internal/conversation"
	"dbconsole-agent/internal/domain"
	"dbconsole-agent/internal/interpret"
)

const (
	defaultMaxContext    = 20
	defaultMaxMessageLen = 2000
	defaultStaleAfter    = 2 * time.Minute
	defaultTranscriptMax = 200
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type ModelClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (domain.ModelOutput, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

// SessionStore persists sessions. SaveSession writes s only if the stored
// version is s.Version-1 and returns domain.ErrConflict otherwise; newTurns
// are appended to the transcript in the same write.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	SaveSession(ctx context.Context, s domain.Session, newTurns []domain.Turn) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type ChatConfig struct {
	ParamPrefix      string
	MaxContextItems  int
	MaxMessageLength int
	StaleAfter       time.Duration
	DefaultWorkflow  string
	Logger           *slog.Logger

	// SkipTypingDelay completes scripted turns immediately.
	SkipTypingDelay bool
}

// ChatService runs workflow sessions. Each submission is applied to a freshly
// loaded engine, the busy state is saved, the agent turn is produced (after
// the scripted typing delay or from the model) and the result is saved again.
type ChatService struct {
	params    ParamGetter
	model     ModelClient
	store     SessionStore
	workflows *conversation.Registry
	cfg       ChatConfig
	log       *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	pinnedPrompt string
	modelID      string
}

func NewChatService(p ParamGetter, m ModelClient, s SessionStore, wf *conversation.Registry, cfg ChatConfig) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: model client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if wf == nil {
		return nil, errors.New("usecase: workflow registry must not be nil")
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.MaxContextItems <= 0 {
		cfg.MaxContextItems = defaultMaxContext
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLen
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.DefaultWorkflow != "" {
		if _, err := wf.Get(cfg.DefaultWorkflow); err != nil {
			return nil, fmt.Errorf("usecase: default workflow: %w", err)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	sleep := sleepContext
	if cfg.SkipTypingDelay {
		sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	}
	return &ChatService{
		params:    p,
		model:     m,
		store:     s,
		workflows: wf,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		sleep:     sleep,
	}, nil
}

type StartInput struct {
	WorkflowID string
}

type SendMessageInput struct {
	SessionID string
	Content   string
	OptionID  string
}

type SelectPromptInput struct {
	SessionID string
	PromptID  string
}

type ActionInput struct {
	SessionID string
	Action    string
	Label     string
}

func (s *ChatService) Workflows() []domain.Workflow {
	return s.workflows.List()
}

// StartSession creates a session in the entry view.
func (s *ChatService) StartSession(ctx context.Context, in StartInput) (domain.Session, error) {
	id := strings.TrimSpace(in.WorkflowID)
	if id == "" {
		id = s.cfg.DefaultWorkflow
	}
	if id == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_workflow", nil)
	}
	wf, err := s.workflows.Get(id)
	if err != nil {
		return domain.Session{}, newError(ErrorNotFound, "unknown_workflow", err)
	}
	eng, err := s.newEngine(wf)
	if err != nil {
		return domain.Session{}, newError(ErrorInternal, "workflow_invalid", err)
	}
	sess := domain.Session{
		ID:         newUUID(),
		WorkflowID: wf.ID,
		Version:    1,
		State:      eng.State(),
		UpdatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, newError(ErrorInternal, "session_create_error", err)
	}
	return sess, nil
}

// GetSession loads a session, clearing a typing flag left behind by a turn
// that never completed.
func (s *ChatService) GetSession(ctx context.Context, id string) (domain.Session, error) {
	run, err := s.load(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if run.recovered {
		if err := s.save(ctx, run); err != nil && !isConflict(err) {
			return domain.Session{}, err
		}
	}
	return run.snapshot(), nil
}

// Transcript returns up to limit turns of a session, oldest first.
func (s *ChatService) Transcript(ctx context.Context, id string, limit int) ([]domain.Turn, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	if limit <= 0 || limit > defaultTranscriptMax {
		limit = defaultTranscriptMax
	}
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, storeError(err, "session_read_error")
	}
	turns, err := s.store.ListTurns(ctx, id, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "transcript_read_error", err)
	}
	return turns, nil
}

func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (domain.Session, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxMessageLength {
		return domain.Session{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	return s.submit(ctx, in.SessionID, content, func(e *conversation.Engine) (conversation.Dispatch, error) {
		return e.SubmitUserMessage(content, in.OptionID)
	})
}

func (s *ChatService) SelectPrompt(ctx context.Context, in SelectPromptInput) (domain.Session, error) {
	if strings.TrimSpace(in.PromptID) == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_prompt_id", nil)
	}
	return s.submit(ctx, in.SessionID, "", func(e *conversation.Engine) (conversation.Dispatch, error) {
		return e.SelectPrompt(in.PromptID)
	})
}

func (s *ChatService) ConfirmSelection(ctx context.Context, sessionID string) (domain.Session, error) {
	return s.submit(ctx, sessionID, "", func(e *conversation.Engine) (conversation.Dispatch, error) {
		return e.ConfirmSelection()
	})
}

func (s *ChatService) TriggerAction(ctx context.Context, in ActionInput) (domain.Session, error) {
	if strings.TrimSpace(in.Action) == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_action", nil)
	}
	return s.submit(ctx, in.SessionID, "", func(e *conversation.Engine) (conversation.Dispatch, error) {
		return e.TriggerAction(in.Action, in.Label)
	})
}

// submit applies one user submission and drives the resulting agent turn to
// completion. freeText is the typed message, if any; it is moderated before
// being sent to the model.
func (s *ChatService) submit(ctx context.Context, sessionID, freeText string, apply func(*conversation.Engine) (conversation.Dispatch, error)) (domain.Session, error) {
	run, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if run.engine.State().IsAgentTyping {
		return domain.Session{}, newError(ErrorAgentBusy, "agent_typing", nil)
	}

	d, err := apply(run.engine)
	if err != nil {
		return domain.Session{}, engineError(err)
	}

	if d.Kind == conversation.DispatchLive && freeText != "" {
		if err := s.moderate(ctx, freeText); err != nil {
			return domain.Session{}, err
		}
	}

	if err := s.save(ctx, run); err != nil {
		return domain.Session{}, err
	}
	if d.Kind == conversation.DispatchNone {
		return run.snapshot(), nil
	}

	// The pending turn is always closed and saved, even when the caller has
	// gone away.
	saveCtx := context.WithoutCancel(ctx)
	var turnErr error
	switch d.Kind {
	case conversation.DispatchScripted:
		turnErr = s.runScripted(ctx, run, d)
	case conversation.DispatchLive:
		turnErr = s.runLive(ctx, run, d)
	}
	if err := s.save(saveCtx, run); err != nil {
		return domain.Session{}, err
	}
	if turnErr != nil {
		return domain.Session{}, turnErr
	}
	return run.snapshot(), nil
}

func (s *ChatService) runScripted(ctx context.Context, run *sessionRun, d conversation.Dispatch) error {
	if err := s.sleep(ctx, d.Delay); err != nil {
		_ = run.engine.Fail(err)
		return newError(ErrorInternal, "request_canceled", err)
	}
	if err := run.engine.CompleteScripted(d); err != nil {
		_ = run.engine.Fail(err)
		return newError(ErrorInternal, "script_error", err)
	}
	return nil
}

func (s *ChatService) runLive(ctx context.Context, run *sessionRun, d conversation.Dispatch) error {
	if err := s.ensureConfig(ctx); err != nil {
		_ = run.engine.Fail(fmt.Errorf("the assistant is not configured: %w", err))
		return newError(ErrorInternal, "ssm_load_error", err)
	}

	messages := buildPromptMessages(promptContext{
		pinnedPrompt: s.pinnedPrompt,
		workflow:     run.engine.Workflow(),
		state:        run.engine.State(),
	}, d.History, s.cfg.MaxContextItems)

	out, err := s.model.Chat(ctx, s.modelID, messages)
	if err != nil {
		s.log.Error("model call failed", "session", run.session.ID, "err", err)
		_ = run.engine.Fail(modelFailure(err))
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return newError(ErrorRateLimited, "model_rate_limited", err)
		}
		return newError(ErrorUpstream, "model_error", err)
	}
	if out.WasTruncated {
		s.log.Warn("model output truncated", "session", run.session.ID)
	}
	if err := run.engine.CompleteLive(interpret.Interpret(out.Text, out.WasTruncated)); err != nil {
		return newError(ErrorInternal, "engine_error", err)
	}
	return nil
}

func (s *ChatService) moderate(ctx context.Context, text string) error {
	flagged, err := s.model.Moderate(ctx, text)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return newError(ErrorInvalidQuestion, "moderation_flagged", nil)
	}
	return nil
}

// sessionRun is a loaded session with an engine positioned on its state.
type sessionRun struct {
	session   domain.Session
	engine    *conversation.Engine
	persisted int
	recovered bool
}

func (r *sessionRun) snapshot() domain.Session {
	out := r.session
	out.State = r.engine.State()
	return out
}

func (s *ChatService) load(ctx context.Context, id string) (*sessionRun, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, storeError(err, "session_read_error")
	}
	wf, err := s.workflows.Get(sess.WorkflowID)
	if err != nil {
		return nil, newError(ErrorInternal, "unknown_workflow", err)
	}
	eng, err := s.newEngine(wf, conversation.WithState(sess.State))
	if err != nil {
		return nil, newError(ErrorInternal, "workflow_invalid", err)
	}
	run := &sessionRun{session: sess, engine: eng, persisted: len(sess.State.Turns)}
	if eng.RecoverStale(s.cfg.StaleAfter) {
		s.log.Warn("recovered stale typing state", "session", sess.ID, "since", sess.State.TypingSince)
		run.recovered = true
	}
	return run, nil
}

// save writes the engine state as the next version together with the turns
// appended since the last save.
func (s *ChatService) save(ctx context.Context, run *sessionRun) error {
	st := run.engine.State()
	next := run.session
	next.Version++
	next.State = st
	next.UpdatedAt = s.now().UTC()

	var newTurns []domain.Turn
	if run.persisted < len(st.Turns) {
		newTurns = st.Turns[run.persisted:]
	}
	if err := s.store.SaveSession(ctx, next, newTurns); err != nil {
		return storeError(err, "session_write_error")
	}
	run.session = next
	run.persisted = len(st.Turns)
	run.recovered = false
	return nil
}

func (s *ChatService) newEngine(wf domain.Workflow, opts ...conversation.Option) (*conversation.Engine, error) {
	opts = append([]conversation.Option{conversation.WithClock(s.now)}, opts...)
	return conversation.NewEngine(wf, opts...)
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	modelID, err := s.params.GetParameter(ctx, s.cfg.ParamPrefix+"/config/model")
	if err != nil {
		return fmt.Errorf("usecase: load model id: %w", err)
	}
	pinned, err := s.params.GetParameter(ctx, s.cfg.ParamPrefix+"/pinned_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load pinned prompt: %w", err)
	}
	s.modelID = strings.TrimSpace(modelID)
	s.pinnedPrompt = pinned
	s.cacheLoaded = true
	return nil
}

func engineError(err error) error {
	switch {
	case errors.Is(err, conversation.ErrAgentBusy):
		return newError(ErrorAgentBusy, "agent_typing", err)
	case errors.Is(err, conversation.ErrEmptyMessage):
		return newError(ErrorInvalidInput, "empty_message", err)
	case errors.Is(err, conversation.ErrUnknownPrompt):
		return newError(ErrorInvalidInput, "unknown_prompt", err)
	case errors.Is(err, conversation.ErrNothingSelected):
		return newError(ErrorInvalidInput, "nothing_selected", err)
	case errors.Is(err, conversation.ErrNotStarted):
		return newError(ErrorInvalidInput, "conversation_not_started", err)
	}
	return newError(ErrorInternal, "engine_error", err)
}

func storeError(err error, reason string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newError(ErrorNotFound, "session_not_found", err)
	case errors.Is(err, domain.ErrConflict):
		return newError(ErrorConflict, "session_conflict", err)
	}
	return newError(ErrorInternal, reason, err)
}

func isConflict(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Code == ErrorConflict
}

// modelFailure summarizes a failed model call for the transcript. Status
// errors are reduced to their code so response bodies stay out of the turn.
func modelFailure(err error) error {
	if status, ok := upstreamStatusCode(err); ok {
		return fmt.Errorf("model request failed with status %d %s", status, http.StatusText(status))
	}
	return fmt.Errorf("model request failed: %w", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
