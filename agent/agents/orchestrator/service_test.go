package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/shop"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/state/statetest"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/tool"
	databasex "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/database"
)

type modelStep struct {
	reply contractx.AssistantReply
	err   error
}

type fakeModel struct {
	mu    sync.Mutex
	steps []modelStep
	calls int
	reqs  []contractx.ModelRequest

	entered chan struct{}
	release chan struct{}
}

func (f *fakeModel) Respond(ctx context.Context, req contractx.ModelRequest) (contractx.AssistantReply, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)

	idx := f.calls - 1
	if idx < len(f.steps) {
		return f.steps[idx].reply, f.steps[idx].err
	}
	return contractx.AssistantReply{}, fmt.Errorf("no model step left at call=%d", f.calls)
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTools struct {
	mu       sync.Mutex
	confirm  map[string]bool
	auto     map[string]bool
	payloads map[string]any
	failures map[string]*statex.Failure
	executed []statex.ProposedAction
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		confirm:  map[string]bool{"add_to_cart": true, "remove_from_cart": true},
		auto:     map[string]bool{"search_by_title": true, "view_checkout_summary": true},
		payloads: map[string]any{},
		failures: map[string]*statex.Failure{},
	}
}

func (f *fakeTools) Classify(action string) contractx.ActionClass {
	switch {
	case f.confirm[action]:
		return contractx.ActionConfirmRequired
	case f.auto[action]:
		return contractx.ActionAutoExecute
	}
	return contractx.ActionUnknown
}

func (f *fakeTools) Execute(ctx context.Context, userID string, action statex.ProposedAction) statex.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, action)

	res := statex.ActionResult{CorrelationID: action.CorrelationID, ActionName: action.ActionName}
	if failure, ok := f.failures[action.ActionName]; ok {
		res.Failure = failure
		return res
	}
	payload, ok := f.payloads[action.ActionName]
	if !ok {
		payload = map[string]any{"ok": true}
	}
	raw, _ := json.Marshal(payload)
	res.Payload = raw
	return res
}

type fakeNotifier struct {
	err      error
	notified []statex.PendingDecision
}

func (f *fakeNotifier) NotifyPending(ctx context.Context, sessionID string, pending statex.PendingDecision) error {
	f.notified = append(f.notified, pending)
	return f.err
}

func testConfig() Config {
	return Config{
		MaxModelRounds:   8,
		ModelMaxAttempts: 3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
	}
}

func newTestOrchestrator(
	t *testing.T,
	store statex.Store,
	model contractx.ModelAdapter,
	tools contractx.ToolGateway,
	notifier contractx.DecisionNotifier,
	cfg Config,
) *Orchestrator {
	t.Helper()

	o, err := New(store, model, tools, notifier, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	o.now = func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) }
	return o
}

type storeCase struct {
	name string
	open func(t *testing.T) statex.Store
}

// sessionStores covers the in-process store and a durable one that round-trips JSON.
func sessionStores() []storeCase {
	return []storeCase{
		{name: "memory", open: func(t *testing.T) statex.Store { return statex.NewMemoryStore() }},
		{name: "upstash", open: func(t *testing.T) statex.Store {
			return newUpstashStore(t, statetest.NewUpstashServer(t))
		}},
	}
}

func newUpstashStore(t *testing.T, srv *statetest.UpstashServer) *statex.UpstashRedisStore {
	t.Helper()
	store, err := statex.NewUpstashRedisStore(
		statex.UpstashRedisConfig{URL: srv.URL, Token: statetest.Token},
		statex.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}
	return store
}

func text(s string) modelStep {
	return modelStep{reply: contractx.AssistantReply{Text: s}}
}

func propose(actions ...statex.ProposedAction) modelStep {
	return modelStep{reply: contractx.AssistantReply{ProposedActions: actions}}
}

func action(id, name string, args map[string]any) statex.ProposedAction {
	return statex.ProposedAction{CorrelationID: id, ActionName: name, Arguments: args}
}

func loadSession(t *testing.T, store statex.Store, id string) *statex.Session {
	t.Helper()
	st, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return st
}

func lastResult(t *testing.T, st *statex.Session, correlationID string) statex.ActionResult {
	t.Helper()
	for i := len(st.Messages) - 1; i >= 0; i-- {
		m := st.Messages[i]
		if m.Kind == statex.KindActionResult && m.Result.CorrelationID == correlationID {
			return *m.Result
		}
	}
	t.Fatalf("no result for correlation id %s", correlationID)
	return statex.ActionResult{}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	if _, err := New(nil, &fakeModel{}, newFakeTools(), nil, Config{}); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(store, nil, newFakeTools(), nil, Config{}); err == nil {
		t.Fatal("expected error for nil model")
	}
	if _, err := New(store, &fakeModel{}, nil, nil, Config{}); err == nil {
		t.Fatal("expected error for nil tools")
	}
}

func TestHandleMessageInvalidInput(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, statex.NewMemoryStore(), &fakeModel{}, newFakeTools(), nil, testConfig())

	_, err := o.HandleMessage(context.Background(), "   ", "hello")
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}

	_, err = o.HandleMessage(context.Background(), "s1", "    ")
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	_, err = o.AdvanceTurn(context.Background(), "s1", Input{Kind: "shout"})
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestHandleMessageAnswersDirectly(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	model := &fakeModel{steps: []modelStep{text("Hello! How can I help?")}}
	o := newTestOrchestrator(t, store, model, newFakeTools(), nil, testConfig())

	out, err := o.HandleMessage(context.Background(), "session-1", "hi")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Kind != OutcomeAnswered || out.Text != "Hello! How can I help?" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	st := loadSession(t, store, "session-1")
	if len(st.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(st.Messages))
	}
	if st.Messages[0].Kind != statex.KindUser || st.Messages[1].Kind != statex.KindAssistant {
		t.Fatalf("unexpected message kinds: %s, %s", st.Messages[0].Kind, st.Messages[1].Kind)
	}
	if st.UserID != "session-1" {
		t.Fatalf("expected user id to default to session id, got %q", st.UserID)
	}
}

func TestHandleMessageAutoActionLoop(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	model := &fakeModel{steps: []modelStep{
		propose(action("c1", "search_by_title", map[string]any{"query": "mascara"})),
		text("Essence Mascara costs $4.99."),
	}}
	tools := newFakeTools()
	o := newTestOrchestrator(t, store, model, tools, nil, testConfig())

	out, err := o.HandleMessage(context.Background(), "session-2", "find mascara")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Kind != OutcomeAnswered || !strings.Contains(out.Text, "$4.99") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(tools.executed) != 1 {
		t.Fatalf("expected one execution, got %d", len(tools.executed))
	}
	if model.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", model.calls)
	}

	// the second model call sees the result of the first action
	history := model.reqs[1].History
	if got := history[len(history)-1]; got.Kind != statex.KindActionResult || got.Result.CorrelationID != "c1" {
		t.Fatalf("expected action result last in history, got %+v", got)
	}
}

func TestConfirmActionApproveFlow(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	model := &fakeModel{steps: []modelStep{
		propose(action("c1", "add_to_cart", map[string]any{"product_id": 7, "quantity": 3})),
		text("Added 3 to your cart."),
	}}
	tools := newFakeTools()
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(t, store, model, tools, notifier, testConfig())

	out, err := o.HandleMessage(context.Background(), "session-3", "add 3 of product 7")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Kind != OutcomeSuspended || out.CorrelationID != "c1" || out.ActionName != "add_to_cart" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(tools.executed) != 0 {
		t.Fatalf("gated action must not run before approval, got %d executions", len(tools.executed))
	}
	if len(notifier.notified) != 1 || notifier.notified[0].CorrelationID != "c1" {
		t.Fatalf("expected one notification for c1, got %+v", notifier.notified)
	}

	st := loadSession(t, store, "session-3")
	if st.Pending == nil || st.Pending.Status != statex.PendingAwaiting {
		t.Fatalf("expected awaiting pending decision, got %+v", st.Pending)
	}

	// text while suspended is refused
	if _, err := o.HandleMessage(context.Background(), "session-3", "hello?"); !errors.Is(err, ErrDecisionPending) {
		t.Fatalf("expected ErrDecisionPending, got %v", err)
	}

	out, err = o.Resume(context.Background(), "session-3", Approve())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Kind != OutcomeAnswered || out.Text != "Added 3 to your cart." {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(tools.executed) != 1 {
		t.Fatalf("expected one execution, got %d", len(tools.executed))
	}

	st = loadSession(t, store, "session-3")
	if st.Pending != nil {
		t.Fatalf("expected pending cleared, got %+v", st.Pending)
	}
	if res := lastResult(t, st, "c1"); res.Failed() {
		t.Fatalf("expected success result, got %+v", res.Failure)
	}

	if _, err := o.Resume(context.Background(), "session-3", Approve()); !errors.Is(err, ErrNoPendingDecision) {
		t.Fatalf("expected ErrNoPendingDecision, got %v", err)
	}
}

func TestConfirmActionRejectRecordsDenial(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	model := &fakeModel{steps: []modelStep{
		propose(action("c1", "remove_from_cart", map[string]any{"product_id": 8})),
		text("Okay, I left your cart alone."),
	}}
	tools := newFakeTools()
	o := newTestOrchestrator(t, store, model, tools, nil, testConfig())

	if _, err := o.HandleMessage(context.Background(), "session-4", "remove the mascara"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	out, err := o.Resume(context.Background(), "session-4", Reject("  changed my mind "))
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Kind != OutcomeAnswered {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(tools.executed) != 0 {
		t.Fatalf("rejected action must not run, got %d executions", len(tools.executed))
	}

	res := lastResult(t, loadSession(t, store, "session-4"), "c1")
	if res.Failed() {
		t.Fatalf("denial is recorded as a payload, got failure %+v", res.Failure)
	}
	var denial denialView
	if err := json.Unmarshal(res.Payload, &denial); err != nil {
		t.Fatalf("unmarshal denial: %v", err)
	}
	if denial.Status != "denied" || denial.Reason != "changed my mind" {
		t.Fatalf("unexpected denial payload: %+v", denial)
	}
	want := "API call denied by user. Reasoning: 'changed my mind'. Continue assisting, accounting for the user's input."
	if denial.Message != want {
		t.Fatalf("unexpected denial message: %q", denial.Message)
	}
}

type denialView struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
}

func TestResumeAfterInterruptedApprovalDoesNotRerun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	st := statex.NewSession("session-5", "", now)
	if err := store.Create(ctx, st); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Append(ctx, "session-5",
		statex.NewUserMessage("add 2 mascara", now),
		statex.NewAssistantMessage("", []statex.ProposedAction{
			action("c1", "add_to_cart", map[string]any{"product_id": 8, "quantity": 2}),
		}, now),
	); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.SetPending(ctx, "session-5", &statex.PendingDecision{
		CorrelationID: "c1",
		ActionName:    "add_to_cart",
		Status:        statex.PendingApproved,
		CreatedAt:     now,
	}); err != nil {
		t.Fatalf("SetPending() error = %v", err)
	}

	tools := newFakeTools()
	model := &fakeModel{steps: []modelStep{text("Please check your cart.")}}
	o := newTestOrchestrator(t, store, model, tools, nil, testConfig())

	out, err := o.Resume(ctx, "session-5", Approve())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Kind != OutcomeAnswered {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(tools.executed) != 0 {
		t.Fatalf("approved action must not run twice, got %d executions", len(tools.executed))
	}

	res := lastResult(t, loadSession(t, store, "session-5"), "c1")
	if !res.Failed() || res.Failure.Kind != statex.FailureUnknown {
		t.Fatalf("expected unknown failure, got %+v", res)
	}
}

func TestStalePendingIsClearedOnLoad(t *testing.T) {
	t.Parallel()

	for _, tc := range sessionStores() {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
			store := tc.open(t)
			if err := store.Create(ctx, statex.NewSession("session-6", "", now)); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if err := store.Append(ctx, "session-6",
				statex.NewUserMessage("add mascara", now),
				statex.NewAssistantMessage("", []statex.ProposedAction{action("c1", "add_to_cart", nil)}, now),
				statex.NewResultMessage(statex.ActionResult{
					CorrelationID: "c1",
					ActionName:    "add_to_cart",
					Payload:       json.RawMessage(`{"message":"ok"}`),
				}, now),
			); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if err := store.SetPending(ctx, "session-6", &statex.PendingDecision{
				CorrelationID: "c1",
				ActionName:    "add_to_cart",
				Status:        statex.PendingApproved,
				CreatedAt:     now,
			}); err != nil {
				t.Fatalf("SetPending() error = %v", err)
			}

			model := &fakeModel{steps: []modelStep{text("Done, anything else?")}}
			tools := newFakeTools()
			o := newTestOrchestrator(t, store, model, tools, nil, testConfig())

			out, err := o.Retry(ctx, "session-6")
			if err != nil {
				t.Fatalf("Retry() error = %v", err)
			}
			if out.Kind != OutcomeAnswered {
				t.Fatalf("unexpected outcome: %+v", out)
			}
			if len(tools.executed) != 0 {
				t.Fatalf("expected no executions, got %d", len(tools.executed))
			}
			if st := loadSession(t, store, "session-6"); st.Pending != nil {
				t.Fatalf("expected stale pending cleared, got %+v", st.Pending)
			}
		})
	}
}

func TestMultipleActionsDeferAfterFirstGated(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	model := &fakeModel{steps: []modelStep{
		propose(
			action("c1", "search_by_title", map[string]any{"query": "tv"}),
			action("c2", "add_to_cart", map[string]any{"product_id": 9}),
			action("c3", "view_checkout_summary", nil),
			action("c4", "remove_from_cart", map[string]any{"product_id": 8}),
		),
		text("All done."),
	}}
	tools := newFakeTools()
	o := newTestOrchestrator(t, store, model, tools, nil, testConfig())

	out, err := o.HandleMessage(context.Background(), "session-7", "buy a tv and drop the mascara")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Kind != OutcomeSuspended || out.CorrelationID != "c2" {
		t.Fatalf("expected suspension on c2, got %+v", out)
	}
	if len(tools.executed) != 1 || tools.executed[0].CorrelationID != "c1" {
		t.Fatalf("expected only c1 executed, got %+v", tools.executed)
	}

	out, err = o.Resume(context.Background(), "session-7", Approve())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Kind != OutcomeSuspended || out.CorrelationID != "c4" {
		t.Fatalf("expected suspension on c4, got %+v", out)
	}
	if model.calls != 1 {
		t.Fatalf("model must not be called while actions are unresolved, got %d calls", model.calls)
	}

	out, err = o.Resume(context.Background(), "session-7", Reject("keep it"))
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Kind != OutcomeAnswered || out.Text != "All done." {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	var order []string
	for _, a := range tools.executed {
		order = append(order, a.CorrelationID)
	}
	if strings.Join(order, ",") != "c1,c2,c3" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestUnknownActionIsReportedToModel(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	model := &fakeModel{steps: []modelStep{
		propose(action("c1", "launch_rocket", nil)),
		text("I can't do that."),
	}}
	tools := newFakeTools()
	o := newTestOrchestrator(t, store, model, tools, nil, testConfig())

	out, err := o.HandleMessage(context.Background(), "session-8", "launch")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Kind != OutcomeAnswered {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	res := lastResult(t, loadSession(t, store, "session-8"), "c1")
	if !res.Failed() || res.Failure.Kind != statex.FailureUnknownAction {
		t.Fatalf("expected unknown_action failure, got %+v", res)
	}
	if len(tools.executed) != 0 {
		t.Fatalf("unknown action must not be executed, got %d", len(tools.executed))
	}
}

func TestRoundLimit(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	var steps []modelStep
	for i := 1; i <= 5; i++ {
		steps = append(steps, propose(action(fmt.Sprintf("c%d", i), "search_by_title", map[string]any{"query": "x"})))
	}
	model := &fakeModel{steps: steps}
	cfg := testConfig()
	cfg.MaxModelRounds = 3
	o := newTestOrchestrator(t, store, model, newFakeTools(), nil, cfg)

	_, err := o.HandleMessage(context.Background(), "session-9", "loop forever")
	if !errors.Is(err, ErrTooManyRounds) {
		t.Fatalf("expected ErrTooManyRounds, got %v", err)
	}
	if model.calls != 3 {
		t.Fatalf("expected 3 model calls, got %d", model.calls)
	}

	// every completed step is persisted, so the session stays consistent
	st := loadSession(t, store, "session-9")
	if err := st.Validate(); err != nil {
		t.Fatalf("session invalid after round limit: %v", err)
	}
	if !st.NeedsModel() {
		t.Fatal("expected the session to wait for the model")
	}
}

func TestTransientModelFailureThenRetry(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	transient := modelStep{err: &contractx.TransientError{Err: errors.New("status 503")}}
	model := &fakeModel{steps: []modelStep{transient, transient, transient, text("Back online.")}}
	o := newTestOrchestrator(t, store, model, newFakeTools(), nil, testConfig())

	_, err := o.HandleMessage(context.Background(), "session-10", "hello")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if model.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", model.calls)
	}

	st := loadSession(t, store, "session-10")
	if len(st.Messages) != 1 || st.Messages[0].Kind != statex.KindUser {
		t.Fatalf("expected only the user message persisted, got %+v", st.Messages)
	}

	out, err := o.Retry(context.Background(), "session-10")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if out.Text != "Back online." {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestTransientModelFailureRecovers(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	model := &fakeModel{steps: []modelStep{
		{err: &contractx.TransientError{Err: errors.New("rate limited")}},
		text("Hi there."),
	}}
	o := newTestOrchestrator(t, store, model, newFakeTools(), nil, testConfig())

	out, err := o.HandleMessage(context.Background(), "session-11", "hello")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Text != "Hi there." || model.calls != 2 {
		t.Fatalf("unexpected outcome %+v after %d calls", out, model.calls)
	}
}

func TestLongRetryAfterFailsFast(t *testing.T) {
	t.Parallel()

	model := &fakeModel{steps: []modelStep{
		{err: &contractx.TransientError{RetryAfter: 10 * time.Minute, Err: errors.New("status 429")}},
		text("too late"),
	}}
	o := newTestOrchestrator(t, statex.NewMemoryStore(), model, newFakeTools(), nil, testConfig())

	start := time.Now()
	_, err := o.HandleMessage(context.Background(), "session-retry-after", "hello")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", model.calls)
	}
	if waited := time.Since(start); waited > 5*time.Second {
		t.Fatalf("turn waited %s for the provider", waited)
	}
}

func TestPermanentModelFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	model := &fakeModel{steps: []modelStep{{err: fmt.Errorf("%w: bad request", contractx.ErrModelInvoke)}}}
	o := newTestOrchestrator(t, statex.NewMemoryStore(), model, newFakeTools(), nil, testConfig())

	_, err := o.HandleMessage(context.Background(), "session-12", "hello")
	if !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("expected ErrModelInvoke, got %v", err)
	}
	if errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("permanent failure must not map to ErrModelUnavailable: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", model.calls)
	}
}

func TestInputErrorsOnMissingSession(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, statex.NewMemoryStore(), &fakeModel{}, newFakeTools(), nil, testConfig())

	if _, err := o.Resume(context.Background(), "nobody", Approve()); !errors.Is(err, ErrNoPendingDecision) {
		t.Fatalf("expected ErrNoPendingDecision, got %v", err)
	}
	if _, err := o.Retry(context.Background(), "nobody"); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry, got %v", err)
	}
	if _, err := o.Session(context.Background(), "nobody"); !errors.Is(err, statex.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestRetryOnAnsweredSession(t *testing.T) {
	t.Parallel()

	model := &fakeModel{steps: []modelStep{text("Hello.")}}
	o := newTestOrchestrator(t, statex.NewMemoryStore(), model, newFakeTools(), nil, testConfig())

	if _, err := o.HandleMessage(context.Background(), "session-13", "hi"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if _, err := o.Retry(context.Background(), "session-13"); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry, got %v", err)
	}
}

func TestConcurrentTurnIsBusy(t *testing.T) {
	t.Parallel()

	model := &fakeModel{
		steps:   []modelStep{text("slow answer")},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(t, statex.NewMemoryStore(), model, newFakeTools(), nil, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := o.HandleMessage(context.Background(), "session-14", "first")
		done <- err
	}()

	<-model.entered
	if _, err := o.HandleMessage(context.Background(), "session-14", "second"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	close(model.release)

	if err := <-done; err != nil {
		t.Fatalf("first turn error = %v", err)
	}
	if model.callCount() != 1 {
		t.Fatalf("expected one model call, got %d", model.callCount())
	}
}

func TestNotifierFailureDoesNotFailTurn(t *testing.T) {
	t.Parallel()

	model := &fakeModel{steps: []modelStep{
		propose(action("c1", "add_to_cart", map[string]any{"product_id": 1})),
	}}
	notifier := &fakeNotifier{err: errors.New("qstash down")}
	o := newTestOrchestrator(t, statex.NewMemoryStore(), model, newFakeTools(), notifier, testConfig())

	out, err := o.HandleMessage(context.Background(), "session-15", "add chanel")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Kind != OutcomeSuspended || len(notifier.notified) != 1 {
		t.Fatalf("unexpected outcome %+v, notified %d", out, len(notifier.notified))
	}
}

func TestResumeFromFreshOrchestrator(t *testing.T) {
	t.Parallel()

	for _, tc := range sessionStores() {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := tc.open(t)
			first := newTestOrchestrator(t, store,
				&fakeModel{steps: []modelStep{propose(action("c1", "add_to_cart", map[string]any{"product_id": 2}))}},
				newFakeTools(), nil, testConfig())

			out, err := first.HandleMessage(context.Background(), "session-16", "add dior")
			if err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
			if out.Kind != OutcomeSuspended {
				t.Fatalf("expected suspension, got %+v", out)
			}

			tools := newFakeTools()
			second := newTestOrchestrator(t, store,
				&fakeModel{steps: []modelStep{text("Dior added.")}},
				tools, nil, testConfig())

			out, err = second.Resume(context.Background(), "session-16", Approve())
			if err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			if out.Text != "Dior added." || len(tools.executed) != 1 {
				t.Fatalf("unexpected outcome %+v, executions %d", out, len(tools.executed))
			}
			if got := tools.executed[0].Arguments["product_id"]; got != float64(2) {
				t.Fatalf("product_id = %#v, want 2", got)
			}

			st := loadSession(t, store, "session-16")
			if st.Pending != nil || !st.Answered() {
				t.Fatalf("unexpected final session: pending=%+v answered=%v", st.Pending, st.Answered())
			}
			if err := st.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestSessionLeaseIsSharedAcrossOrchestrators(t *testing.T) {
	t.Parallel()

	srv := statetest.NewUpstashServer(t)
	store := newUpstashStore(t, srv)
	o := newTestOrchestrator(t, store, &fakeModel{steps: []modelStep{text("Hello!")}}, newFakeTools(), nil, testConfig())

	// another replica is mid-turn
	srv.Set("shop:session:session-lease:lease", "other-replica")
	if _, err := o.HandleMessage(context.Background(), "session-lease", "hi"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	if _, err := store.Load(context.Background(), "session-lease"); !errors.Is(err, statex.ErrStateNotFound) {
		t.Fatalf("busy turn must not touch the session, Load() error = %v", err)
	}

	out, err := o.HandleMessage(context.Background(), "session-free", "hi")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Text != "Hello!" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if _, held := srv.Get("shop:session:session-free:lease"); held {
		t.Fatal("expected the lease released after the turn")
	}
}

func TestAddToCartScenarioAgainstSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := databasex.OpenMemory(ctx, strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := shop.CreateSchema(ctx, db); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
	if _, err := shop.Seed(ctx, db); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	if _, err := db.NewUpdate().Model((*shop.Product)(nil)).
		Set("stock = ?", 50).
		Where("id = ?", 7).
		Exec(ctx); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	catalog := shop.NewCatalog(db)
	registry, err := tool.NewShopRegistry(catalog, shop.NewCartManager(db))
	if err != nil {
		t.Fatalf("NewShopRegistry() error = %v", err)
	}

	store := statex.NewMemoryStore()
	model := &fakeModel{steps: []modelStep{
		propose(action("c1", tool.ActionAddToCart, map[string]any{"product_id": 7, "quantity": 3})),
		text("Added 3 Nike Air Max to your cart."),
	}}
	o := newTestOrchestrator(t, store, model, registry, nil, testConfig())

	out, err := o.HandleMessage(ctx, "user-42", "add 3 of product 7 to my cart")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.Kind != OutcomeSuspended {
		t.Fatalf("expected suspension, got %+v", out)
	}
	if p, _ := catalog.Get(ctx, 7); p.Stock != 50 {
		t.Fatalf("stock must not change before approval, got %d", p.Stock)
	}

	out, err = o.Resume(ctx, "user-42", Approve())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Kind != OutcomeAnswered {
		t.Fatalf("expected answer, got %+v", out)
	}

	p, err := catalog.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Stock != 47 {
		t.Fatalf("expected stock 47, got %d", p.Stock)
	}

	res := lastResult(t, loadSession(t, store, "user-42"), "c1")
	var update shop.CartUpdate
	if err := json.Unmarshal(res.Payload, &update); err != nil {
		t.Fatalf("unmarshal cart update: %v", err)
	}
	if len(update.Cart) != 1 || update.Cart[0].ProductID != 7 || update.Cart[0].Quantity != 3 {
		t.Fatalf("unexpected cart: %+v", update.Cart)
	}
}
