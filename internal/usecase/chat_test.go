package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dbconsole-agent/internal/conversation"
	"dbconsole-agent/internal/domain"
	"dbconsole-agent/internal/interpret"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type mockParams struct {
	mu    sync.Mutex
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) HTTPStatusCode() int { return e.code }

type mockModel struct {
	out       domain.ModelOutput
	err       error
	flagged   bool
	modErr    error
	chatCalls int
	modCalls  int
	lastModel string
	lastMsgs  []domain.ChatMessage
}

func (m *mockModel) Chat(_ context.Context, model string, messages []domain.ChatMessage) (domain.ModelOutput, error) {
	m.chatCalls++
	m.lastModel = model
	m.lastMsgs = messages
	return m.out, m.err
}

func (m *mockModel) Moderate(_ context.Context, _ string) (bool, error) {
	m.modCalls++
	return m.flagged, m.modErr
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	turns    map[string][]domain.Turn
	saveErr  error
	saves    int
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]domain.Session{}, turns: map[string][]domain.Turn{}}
}

func (s *memStore) CreateSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return domain.ErrConflict
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("mem: %w", domain.ErrNotFound)
	}
	return sess, nil
}

func (s *memStore) SaveSession(_ context.Context, sess domain.Session, newTurns []domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != sess.Version-1 {
		return domain.ErrConflict
	}
	s.saves++
	s.sessions[sess.ID] = sess
	s.turns[sess.ID] = append(s.turns[sess.ID], newTurns...)
	return nil
}

func (s *memStore) ListTurns(_ context.Context, id string, limit int) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[id]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]domain.Turn(nil), turns...), nil
}

func demoWorkflow() domain.Workflow {
	return domain.Workflow{
		ID:    "demo",
		Title: "Demo",
		Steps: []domain.Step{{ID: "setup", Title: "Set up"}},
		Script: []domain.ScriptStep{{
			Trigger:       domain.TriggerInitial,
			AgentResponse: domain.AgentTurn{Content: "Welcome"},
			NextPrompts:   []domain.SuggestedAction{{ID: "a", Label: "Alpha"}},
			UpdateStep:    &domain.StepUpdate{StepID: "setup", Status: domain.StepInProgress},
			Delay:         300 * time.Millisecond,
		}},
	}
}

func pickWorkflow() domain.Workflow {
	return domain.Workflow{
		ID:          "pick",
		MultiSelect: true,
		Script: []domain.ScriptStep{
			{
				Trigger:       domain.TriggerInitial,
				AgentResponse: domain.AgentTurn{Content: "Pick"},
				NextPrompts:   []domain.SuggestedAction{{ID: "y", Label: "Yes"}, {ID: "n", Label: "No"}},
			},
			{Trigger: domain.TriggerPromptSelection, AgentResponse: domain.AgentTurn{Content: "Thanks"}},
		},
	}
}

type fixture struct {
	svc    *ChatService
	params *mockParams
	model  *mockModel
	store  *memStore
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := conversation.NewRegistry(demoWorkflow(), pickWorkflow())
	require.NoError(t, err)

	f := &fixture{
		params: &mockParams{vals: map[string]string{
			"/dbconsole/config/model":  "gpt-test",
			"/dbconsole/pinned_prompt": "Be brief.",
		}},
		model: &mockModel{out: domain.ModelOutput{Text: "plain answer"}},
		store: newMemStore(),
	}
	svc, err := NewChatService(f.params, f.model, f.store, reg, ChatConfig{
		ParamPrefix:     "/dbconsole/",
		DefaultWorkflow: "demo",
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }
	svc.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	f.svc = svc
	return f
}

func (f *fixture) start(t *testing.T, workflowID string) domain.Session {
	t.Helper()
	sess, err := f.svc.StartSession(context.Background(), StartInput{WorkflowID: workflowID})
	require.NoError(t, err)
	return sess
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code, "reason=%s", ue.Reason)
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	reg, err := conversation.NewRegistry(demoWorkflow())
	require.NoError(t, err)
	p, m, s := &mockParams{}, &mockModel{}, newMemStore()

	_, err = NewChatService(nil, m, s, reg, ChatConfig{ParamPrefix: "/x"})
	require.Error(t, err)
	_, err = NewChatService(p, nil, s, reg, ChatConfig{ParamPrefix: "/x"})
	require.Error(t, err)
	_, err = NewChatService(p, m, nil, reg, ChatConfig{ParamPrefix: "/x"})
	require.Error(t, err)
	_, err = NewChatService(p, m, s, nil, ChatConfig{ParamPrefix: "/x"})
	require.Error(t, err)
	_, err = NewChatService(p, m, s, reg, ChatConfig{ParamPrefix: " / "})
	require.Error(t, err)
	_, err = NewChatService(p, m, s, reg, ChatConfig{ParamPrefix: "/x", DefaultWorkflow: "missing"})
	require.Error(t, err)

	svc, err := NewChatService(p, m, s, reg, ChatConfig{ParamPrefix: "/x/"})
	require.NoError(t, err)
	require.Equal(t, "/x", svc.cfg.ParamPrefix)
	require.Equal(t, defaultMaxContext, svc.cfg.MaxContextItems)
	require.Equal(t, defaultStaleAfter, svc.cfg.StaleAfter)
}

func TestStartSession(t *testing.T) {
	f := newFixture(t)

	sess := f.start(t, "")
	require.NotEmpty(t, sess.ID)
	require.Equal(t, "demo", sess.WorkflowID)
	require.Equal(t, 1, sess.Version)
	require.Equal(t, domain.ViewEntry, sess.State.View)

	_, err := f.svc.StartSession(context.Background(), StartInput{WorkflowID: "nope"})
	requireCode(t, err, ErrorNotFound)
}

func TestSendMessage_ScriptedTurn(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")

	out, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: " hello ", OptionID: "demo"})
	require.NoError(t, err)

	require.Equal(t, 3, out.Version)
	require.Equal(t, domain.ViewConversation, out.State.View)
	require.False(t, out.State.IsAgentTyping)
	require.Len(t, out.State.Turns, 2)
	require.Equal(t, "hello", out.State.Turns[0].Content)
	require.Equal(t, "Welcome", out.State.Turns[1].Content)
	require.Equal(t, domain.StepInProgress, out.State.Steps[0].Status)

	require.Equal(t, []time.Duration{300 * time.Millisecond}, f.sleeps)
	require.Zero(t, f.model.chatCalls)
	require.Zero(t, f.model.modCalls)
	require.Zero(t, f.params.calls)

	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, out.State, stored.State)

	turns, err := f.svc.Transcript(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestSendMessage_LivePath(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")
	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "hello"})
	require.NoError(t, err)

	f.model.out = domain.ModelOutput{Text: "Sure.\n```json\n" +
		`{"message":"Here are your tables","component":{"type":"table-list","props":{"tables":["orders"]}},` +
		`"suggestedActions":[{"id":"q","text":"Query orders"}]}` + "\n```"}

	out, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "show tables"})
	require.NoError(t, err)

	require.Equal(t, 1, f.model.modCalls)
	require.Equal(t, 1, f.model.chatCalls)
	require.Equal(t, "gpt-test", f.model.lastModel)
	require.Equal(t, "system", f.model.lastMsgs[0].Role)
	require.Contains(t, f.model.lastMsgs[0].Content, "Be brief.")
	require.Contains(t, f.model.lastMsgs[1].Content, "Set up [in-progress]")
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "Welcome"},
		{Role: "user", Content: "show tables"},
	}, f.model.lastMsgs[2:])

	last := out.State.Turns[len(out.State.Turns)-1]
	require.Equal(t, domain.RoleAgent, last.Role)
	require.Equal(t, "Here are your tables", last.Content)
	require.Equal(t, "table-list", last.Directive.Kind)
	require.JSONEq(t, `{"tables":["orders"]}`, string(last.Directive.Attributes))
	require.Equal(t, []domain.SuggestedAction{{ID: "q", Label: "Query orders"}}, out.State.CurrentPrompts)
	require.False(t, out.State.IsAgentTyping)
}

func TestSendMessage_TruncatedModelOutput(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")
	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "hello"})
	require.NoError(t, err)

	f.model.out = domain.ModelOutput{Text: "```json\n{\"message\": \"a very long", WasTruncated: true}
	out, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "describe everything"})
	require.NoError(t, err)
	require.Equal(t, interpret.TruncatedMessage, out.State.Turns[len(out.State.Turns)-1].Content)
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "  "})
	requireCode(t, err, ErrorInvalidInput)

	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: strings.Repeat("x", defaultMaxMessageLen+1)})
	requireCode(t, err, ErrorInvalidInput)

	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: "missing", Content: "hi"})
	requireCode(t, err, ErrorNotFound)

	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{Content: "hi"})
	requireCode(t, err, ErrorInvalidInput)
}

func TestSendMessage_ModerationFlagged(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")
	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "hello"})
	require.NoError(t, err)
	before, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)

	f.model.flagged = true
	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "something nasty"})
	requireCode(t, err, ErrorInvalidQuestion)
	require.Zero(t, f.model.chatCalls)

	after, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Len(t, after.State.Turns, 2)
}

func TestSendMessage_ModelErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
	}{
		{name: "rate limited", err: &statusError{code: 429}, code: ErrorRateLimited, reason: "status 429 Too Many Requests"},
		{name: "server error", err: &statusError{code: 500}, code: ErrorUpstream, reason: "status 500 Internal Server Error"},
		{name: "network", err: errors.New("connection reset"), code: ErrorUpstream, reason: "connection reset"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			sess := f.start(t, "demo")
			_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "hello"})
			require.NoError(t, err)

			f.model.err = tc.err
			_, err = f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "what next?"})
			requireCode(t, err, tc.code)

			stored, err := f.store.GetSession(context.Background(), sess.ID)
			require.NoError(t, err)
			require.False(t, stored.State.IsAgentTyping)
			last := stored.State.Turns[len(stored.State.Turns)-1]
			require.Equal(t, domain.RoleError, last.Role)
			require.True(t, strings.HasPrefix(last.Content, "Error: "))
			require.Contains(t, last.Content, tc.reason)
		})
	}
}

func TestSendMessage_ModerationUpstreamErrors(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")
	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "hello"})
	require.NoError(t, err)

	f.model.modErr = &statusError{code: 429}
	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "again"})
	requireCode(t, err, ErrorRateLimited)

	f.model.modErr = errors.New("boom")
	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "again"})
	requireCode(t, err, ErrorUpstream)
}

func TestSubmit_AgentBusy(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")

	busy, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	busy.State.IsAgentTyping = true
	busy.State.TypingSince = fixedNow.Add(-10 * time.Second)
	f.store.sessions[sess.ID] = busy

	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "hello"})
	requireCode(t, err, ErrorAgentBusy)
	_, err = f.svc.SelectPrompt(context.Background(), SelectPromptInput{SessionID: sess.ID, PromptID: "a"})
	requireCode(t, err, ErrorAgentBusy)
}

func TestGetSession_RecoversStaleTyping(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")

	stale, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	stale.State.View = domain.ViewConversation
	stale.State.IsAgentTyping = true
	stale.State.TypingSince = fixedNow.Add(-5 * time.Minute)
	f.store.sessions[sess.ID] = stale

	out, err := f.svc.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.False(t, out.State.IsAgentTyping)
	require.Equal(t, domain.RoleError, out.State.Turns[len(out.State.Turns)-1].Role)

	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.Version)
	require.False(t, stored.State.IsAgentTyping)
}

func TestSubmit_Conflict(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")
	f.store.saveErr = fmt.Errorf("wrapped: %w", domain.ErrConflict)

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "hello"})
	requireCode(t, err, ErrorConflict)
	require.Empty(t, f.sleeps)
}

func TestMultiSelect_ToggleThenConfirm(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "pick")
	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "start"})
	require.NoError(t, err)

	out, err := f.svc.SelectPrompt(context.Background(), SelectPromptInput{SessionID: sess.ID, PromptID: "n"})
	require.NoError(t, err)
	require.Equal(t, []string{"n"}, out.State.SelectedPromptIDs)
	require.Len(t, out.State.Turns, 2)

	_, err = f.svc.SelectPrompt(context.Background(), SelectPromptInput{SessionID: sess.ID, PromptID: "y"})
	require.NoError(t, err)

	out, err = f.svc.ConfirmSelection(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Yes, No", out.State.Turns[2].Content)
	require.Equal(t, "Thanks", out.State.Turns[3].Content)
	require.Zero(t, f.model.modCalls)

	_, err = f.svc.ConfirmSelection(context.Background(), sess.ID)
	requireCode(t, err, ErrorInvalidInput)

	_, err = f.svc.SelectPrompt(context.Background(), SelectPromptInput{SessionID: sess.ID, PromptID: "zzz"})
	requireCode(t, err, ErrorInvalidInput)
}

func TestTriggerAction_Validation(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")
	_, err := f.svc.TriggerAction(context.Background(), ActionInput{SessionID: sess.ID})
	requireCode(t, err, ErrorInvalidInput)

	_, err = f.svc.TriggerAction(context.Background(), ActionInput{SessionID: sess.ID, Action: "create-cluster"})
	requireCode(t, err, ErrorInvalidInput)
	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ViewEntry, stored.State.View)
	require.Empty(t, stored.State.Turns)
}

func TestEnsureConfig_CachesAndRetries(t *testing.T) {
	f := newFixture(t)
	f.params.err = errors.New("ssm down")

	err := f.svc.ensureConfig(context.Background())
	require.Error(t, err)

	f.params.err = nil
	require.NoError(t, f.svc.ensureConfig(context.Background()))
	calls := f.params.calls
	require.NoError(t, f.svc.ensureConfig(context.Background()))
	require.Equal(t, calls, f.params.calls)
	require.Equal(t, "gpt-test", f.svc.modelID)
}

func TestSendMessage_ConfigFailureClosesTurn(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t, "demo")
	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "hello"})
	require.NoError(t, err)

	f.params.err = errors.New("ssm down")
	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{SessionID: sess.ID, Content: "next"})
	requireCode(t, err, ErrorInternal)

	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.False(t, stored.State.IsAgentTyping)
}

func TestSendMessage_CanceledDuringDelay(t *testing.T) {
	f := newFixture(t)
	f.svc.sleep = sleepContext
	sess := f.start(t, "demo")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.SendMessage(ctx, SendMessageInput{SessionID: sess.ID, Content: "hello"})
	requireCode(t, err, ErrorInternal)

	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.False(t, stored.State.IsAgentTyping)
	require.Equal(t, 0, stored.State.ScriptCursor)
	require.Equal(t, domain.RoleError, stored.State.Turns[len(stored.State.Turns)-1].Role)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	require.NoError(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestTranscript(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Transcript(context.Background(), "missing", 10)
	requireCode(t, err, ErrorNotFound)

	_, err = f.svc.Transcript(context.Background(), " ", 10)
	requireCode(t, err, ErrorInvalidInput)
}

func TestWorkflows(t *testing.T) {
	f := newFixture(t)
	list := f.svc.Workflows()
	require.Len(t, list, 2)
	require.Equal(t, "demo", list[0].ID)
}

func TestSkipTypingDelay(t *testing.T) {
	reg, err := conversation.NewRegistry(demoWorkflow())
	require.NoError(t, err)
	svc, err := NewChatService(&mockParams{}, &mockModel{}, newMemStore(), reg, ChatConfig{
		ParamPrefix:     "/x",
		SkipTypingDelay: true,
	})
	require.NoError(t, err)

	require.NoError(t, svc.sleep(context.Background(), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, svc.sleep(ctx, time.Hour), context.Canceled)
}
