package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

// DriveTurn alternates between dispatching proposed actions and asking the model for the
// next message until the turn is answered or suspended on a gated action.
// Every step is persisted before the next one starts, so the state to resume from is
// always what the store holds.
func DriveTurn(ctx context.Context, in *GraphState, deps *TurnDeps) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	st := in.Session
	policy := deps.Policy.withDefaults()

	rounds := 0
	for {
		if unresolved := st.Unresolved(); len(unresolved) > 0 {
			outcome, err := dispatchActions(ctx, st, unresolved, deps)
			if err != nil {
				return nil, err
			}
			if outcome != nil {
				in.Outcome = outcome
				return in, nil
			}
			continue
		}

		if st.Answered() {
			in.Outcome = &Outcome{Kind: OutcomeAnswered, Text: st.Messages[len(st.Messages)-1].Text}
			return in, nil
		}
		if !st.NeedsModel() {
			return nil, fmt.Errorf("%w: nothing to drive", statex.ErrHistoryCorrupt)
		}
		if rounds >= policy.MaxModelRounds {
			log.Warn().
				Str("session_id", st.SessionID).
				Int("rounds", rounds).
				Msg("model round limit reached")
			return nil, fmt.Errorf("%w: %d model calls", ErrTooManyRounds, rounds)
		}
		rounds++

		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("session validation failed: %w", err)
		}

		reply, err := callModel(ctx, st, deps, policy)
		if err != nil {
			return nil, err
		}

		log.Debug().
			Str("session_id", st.SessionID).
			Int("round", rounds).
			Int("proposed_actions", len(reply.ProposedActions)).
			Msg("model replied")

		msg := statex.NewAssistantMessage(reply.Text, reply.ProposedActions, deps.now())
		if err := appendMessages(ctx, deps.Store, st, msg); err != nil {
			return nil, err
		}
	}
}

// dispatchActions resolves actions in proposal order. It stops at the first gated action,
// persists it as the pending decision and returns a suspended outcome; later actions stay
// unresolved until that decision arrives.
func dispatchActions(
	ctx context.Context,
	st *statex.Session,
	actions []statex.ProposedAction,
	deps *TurnDeps,
) (*Outcome, error) {
	for _, action := range actions {
		logger := log.With().
			Str("session_id", st.SessionID).
			Str("correlation_id", action.CorrelationID).
			Str("action", action.ActionName).
			Logger()

		class := deps.Tools.Classify(action.ActionName)
		switch class {
		case contractx.ActionConfirmRequired:
			pending := &statex.PendingDecision{
				CorrelationID: action.CorrelationID,
				ActionName:    action.ActionName,
				Arguments:     action.Arguments,
				Status:        statex.PendingAwaiting,
				CreatedAt:     deps.now(),
			}
			if err := setPending(ctx, deps.Store, st, pending); err != nil {
				return nil, err
			}
			logger.Info().Msg("turn suspended for approval")
			notify(ctx, st.SessionID, *pending, deps.Notifier)
			return &Outcome{
				Kind:          OutcomeSuspended,
				CorrelationID: action.CorrelationID,
				ActionName:    action.ActionName,
				Arguments:     action.Arguments,
			}, nil

		case contractx.ActionAutoExecute:
			result := deps.Tools.Execute(ctx, st.UserID, action)
			if result.Failed() {
				logger.Info().Str("failure", string(result.Failure.Kind)).Msg("action failed")
			} else {
				logger.Debug().Msg("action executed")
			}
			if err := appendMessages(ctx, deps.Store, st, statex.NewResultMessage(result, deps.now())); err != nil {
				return nil, err
			}

		default:
			logger.Warn().Msg("model proposed an unknown action")
			result := statex.ActionResult{
				CorrelationID: action.CorrelationID,
				ActionName:    action.ActionName,
				Failure: &statex.Failure{
					Kind:   statex.FailureUnknownAction,
					Detail: fmt.Sprintf("action %q is not available", action.ActionName),
				},
			}
			if err := appendMessages(ctx, deps.Store, st, statex.NewResultMessage(result, deps.now())); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func notify(ctx context.Context, sessionID string, pending statex.PendingDecision, notifier contractx.DecisionNotifier) {
	if notifier == nil {
		return
	}
	if err := notifier.NotifyPending(ctx, sessionID, pending); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", sessionID).
			Str("correlation_id", pending.CorrelationID).
			Msg("approval notification failed")
	}
}

// callModel retries transient model failures with exponential backoff, honoring a
// provider supplied Retry-After up to MaxBackoff. Exhausted retries, or a Retry-After
// beyond MaxBackoff, surface as ErrModelUnavailable.
func callModel(
	ctx context.Context,
	st *statex.Session,
	deps *TurnDeps,
	policy TurnPolicy,
) (contractx.AssistantReply, error) {
	req := contractx.ModelRequest{
		SessionID: st.SessionID,
		UserID:    st.UserID,
		History:   st.Messages,
		Now:       deps.now(),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialBackoff
	bo.MaxInterval = policy.MaxBackoff

	var lastErr error
	attempt := 0
	reply, err := backoff.Retry(ctx, func() (contractx.AssistantReply, error) {
		attempt++
		reply, err := deps.Model.Respond(ctx, req)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		var transient *contractx.TransientError
		switch {
		case errors.As(err, &transient):
			if transient.RetryAfter > policy.MaxBackoff {
				log.Warn().
					Err(err).
					Str("session_id", st.SessionID).
					Dur("retry_after", transient.RetryAfter).
					Dur("max_backoff", policy.MaxBackoff).
					Msg("model asked to wait longer than max backoff, giving up")
				return reply, backoff.Permanent(err)
			}
			log.Warn().
				Err(err).
				Str("session_id", st.SessionID).
				Int("attempt", attempt).
				Dur("retry_after", transient.RetryAfter).
				Msg("model call failed, retrying")
			if transient.RetryAfter > 0 {
				return reply, backoff.RetryAfter(int(math.Ceil(transient.RetryAfter.Seconds())))
			}
			return reply, err
		case contractx.IsTransient(err):
			return reply, err
		default:
			return reply, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(policy.ModelMaxAttempts)))
	if err == nil {
		return reply, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return contractx.AssistantReply{}, ctxErr
	}
	if contractx.IsTransient(lastErr) {
		log.Error().
			Err(lastErr).
			Str("session_id", st.SessionID).
			Int("attempts", attempt).
			Msg("model unavailable")
		return contractx.AssistantReply{}, fmt.Errorf("%w: %v", ErrModelUnavailable, lastErr)
	}
	return contractx.AssistantReply{}, err
}
