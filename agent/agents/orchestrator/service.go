package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	nodex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/nodes"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

var (
	ErrInvalidMessage    = nodex.ErrInvalidMessage
	ErrInvalidSession    = nodex.ErrInvalidSession
	ErrDecisionPending   = nodex.ErrDecisionPending
	ErrNoPendingDecision = nodex.ErrNoPendingDecision
	ErrNothingToRetry    = nodex.ErrNothingToRetry
	ErrTurnIncomplete    = nodex.ErrTurnIncomplete
	ErrSessionBusy       = nodex.ErrSessionBusy
	ErrTooManyRounds     = nodex.ErrTooManyRounds
	ErrModelUnavailable  = nodex.ErrModelUnavailable
)

type (
	Input    = nodex.Input
	Decision = nodex.Decision
	Outcome  = nodex.Outcome
)

const (
	OutcomeAnswered  = nodex.OutcomeAnswered
	OutcomeSuspended = nodex.OutcomeSuspended
)

var (
	Approve = nodex.Approve
	Reject  = nodex.Reject
)

type Config struct {
	MaxModelRounds   int           `split_words:"true" default:"8"`
	ModelMaxAttempts int           `split_words:"true" default:"4"`
	InitialBackoff   time.Duration `split_words:"true" default:"500ms"`
	MaxBackoff       time.Duration `split_words:"true" default:"8s"`
	// SessionLeaseTTL bounds how long a shared store keeps a session locked for one turn.
	SessionLeaseTTL time.Duration `split_words:"true" default:"5m"`
}

const defaultSessionLeaseTTL = 5 * time.Minute

type Orchestrator struct {
	deps *nodex.TurnDeps

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]
	locks       *sessionLocks
	leaseTTL    time.Duration

	now func() time.Time
}

func New(
	store statex.Store,
	model contractx.ModelAdapter,
	tools contractx.ToolGateway,
	notifier contractx.DecisionNotifier,
	cfg Config,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if model == nil {
		return nil, errors.New("model adapter is required")
	}
	if tools == nil {
		return nil, errors.New("tool gateway is required")
	}

	o := &Orchestrator{
		locks:    newSessionLocks(),
		leaseTTL: cfg.SessionLeaseTTL,
		now:      time.Now,
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = defaultSessionLeaseTTL
	}
	o.deps = &nodex.TurnDeps{
		Store:    store,
		Model:    model,
		Tools:    tools,
		Notifier: notifier,
		Policy: nodex.TurnPolicy{
			MaxModelRounds:   cfg.MaxModelRounds,
			ModelMaxAttempts: cfg.ModelMaxAttempts,
			InitialBackoff:   cfg.InitialBackoff,
			MaxBackoff:       cfg.MaxBackoff,
		},
		Now: func() time.Time { return o.now() },
	}

	graphRunner, err := o.compileAdvanceTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// AdvanceTurn applies one input to the session and drives the turn until it is answered
// or suspended. Only one turn per session runs at a time; a concurrent call fails with
// ErrSessionBusy instead of waiting. Stores implementing statex.Leaser extend that
// guarantee across processes.
func (o *Orchestrator) AdvanceTurn(ctx context.Context, sessionID string, input Input) (Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Outcome{}, ErrInvalidSession
	}
	if !o.locks.TryLock(sessionID) {
		return Outcome{}, ErrSessionBusy
	}
	defer o.locks.Unlock(sessionID)

	release, err := o.lease(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		SessionID: sessionID,
		Input:     input,
	})
	if err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Str("input", string(input.Kind)).Msg("turn failed")
		return Outcome{}, err
	}
	return out.Outcome, nil
}

func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID string, text string) (Outcome, error) {
	return o.AdvanceTurn(ctx, sessionID, nodex.TextInput(text))
}

func (o *Orchestrator) Resume(ctx context.Context, sessionID string, decision Decision) (Outcome, error) {
	return o.AdvanceTurn(ctx, sessionID, nodex.DecisionInput(decision))
}

func (o *Orchestrator) Retry(ctx context.Context, sessionID string) (Outcome, error) {
	return o.AdvanceTurn(ctx, sessionID, nodex.RetryInput())
}

// Session returns the persisted session for inspection.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*statex.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	return o.deps.Store.Load(ctx, sessionID)
}

func (o *Orchestrator) lease(ctx context.Context, sessionID string) (func(), error) {
	leaser, ok := o.deps.Store.(statex.Leaser)
	if !ok {
		return func() {}, nil
	}
	release, held, err := leaser.Lease(ctx, sessionID, o.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("lease session: %w", err)
	}
	if !held {
		return nil, ErrSessionBusy
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("release session lease failed")
		}
	}, nil
}

type sessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: make(map[string]struct{})}
}

func (l *sessionLocks) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *sessionLocks) Unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
