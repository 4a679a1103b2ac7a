package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

// LoadOrCreateSession loads the session, creating it on the first user message.
// Decisions and retries need an existing session.
func LoadOrCreateSession(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	st, err := store.Load(ctx, in.SessionID)
	switch {
	case err == nil:
	case errors.Is(err, statex.ErrStateNotFound):
		switch in.Input.Kind {
		case InputDecision:
			return nil, ErrNoPendingDecision
		case InputRetry:
			return nil, ErrNothingToRetry
		}
		st, err = createSession(ctx, store, in)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("load session: %w", err)
	}

	if st.StalePending() {
		log.Warn().
			Str("session_id", in.SessionID).
			Str("correlation_id", st.Pending.CorrelationID).
			Msg("clearing pending decision whose action already has a result")
		if err := store.SetPending(ctx, in.SessionID, nil); err != nil {
			return nil, fmt.Errorf("clear stale pending decision: %w", err)
		}
		st.Pending = nil
	}

	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}

	in.Session = st
	return in, nil
}

func createSession(ctx context.Context, store statex.Store, in *GraphState) (*statex.Session, error) {
	st := statex.NewSession(in.SessionID, "", in.Now)
	err := store.Create(ctx, st)
	if err == nil {
		log.Info().Str("session_id", in.SessionID).Msg("session created")
		return st, nil
	}
	if !errors.Is(err, statex.ErrSessionExists) {
		return nil, fmt.Errorf("create session: %w", err)
	}

	// created concurrently by another process
	st, err = store.Load(ctx, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return st, nil
}
