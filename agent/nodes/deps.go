package orchestratornode

import (
	"context"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

const (
	DefaultMaxModelRounds   = 8
	DefaultModelMaxAttempts = 4
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 8 * time.Second
)

type TurnPolicy struct {
	MaxModelRounds   int
	ModelMaxAttempts int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func (p TurnPolicy) withDefaults() TurnPolicy {
	if p.MaxModelRounds <= 0 {
		p.MaxModelRounds = DefaultMaxModelRounds
	}
	if p.ModelMaxAttempts <= 0 {
		p.ModelMaxAttempts = DefaultModelMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = DefaultMaxBackoff
		if p.MaxBackoff < p.InitialBackoff {
			p.MaxBackoff = p.InitialBackoff
		}
	}
	return p
}

// TurnDeps is everything a turn touches besides the graph state.
type TurnDeps struct {
	Store    statex.Store
	Model    contractx.ModelAdapter
	Tools    contractx.ToolGateway
	Notifier contractx.DecisionNotifier
	Policy   TurnPolicy
	Now      func() time.Time
}

func (d *TurnDeps) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// appendMessages persists msgs first and only then mirrors them into the in-memory session,
// so the local copy never runs ahead of the store.
func appendMessages(ctx context.Context, store statex.Store, st *statex.Session, msgs ...statex.Message) error {
	if err := store.Append(ctx, st.SessionID, msgs...); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	st.Messages = append(st.Messages, msgs...)
	for _, m := range msgs {
		if m.CreatedAt.After(st.UpdatedAt) {
			st.Touch(m.CreatedAt)
		}
	}
	return nil
}

func setPending(ctx context.Context, store statex.Store, st *statex.Session, pending *statex.PendingDecision) error {
	if err := store.SetPending(ctx, st.SessionID, pending); err != nil {
		return fmt.Errorf("set pending decision: %w", err)
	}
	st.Pending = pending
	return nil
}
