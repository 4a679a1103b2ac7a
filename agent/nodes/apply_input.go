package orchestratornode

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

const unconfirmedDetail = "the approved action may or may not have completed; it was not run again, check the cart before retrying"

// DenialPayload is the ActionResult payload recorded when the user rejects an action.
type DenialPayload struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
}

func NewDenialPayload(correlationID, reason string) DenialPayload {
	return DenialPayload{
		Status:        "denied",
		CorrelationID: correlationID,
		Reason:        reason,
		Message: fmt.Sprintf(
			"API call denied by user. Reasoning: '%s'. Continue assisting, accounting for the user's input.",
			reason,
		),
	}
}

// ApplyInput records the caller's input in the session: a user message, the result of a
// decided action, or nothing for a retry.
func ApplyInput(ctx context.Context, in *GraphState, deps *TurnDeps) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	st := in.Session

	switch in.Input.Kind {
	case InputText:
		if st.Pending != nil {
			return nil, ErrDecisionPending
		}
		if len(st.Unresolved()) > 0 {
			return nil, ErrTurnIncomplete
		}
		if err := appendMessages(ctx, deps.Store, st, statex.NewUserMessage(in.Input.Text, deps.now())); err != nil {
			return nil, err
		}

	case InputDecision:
		if st.Pending == nil {
			return nil, ErrNoPendingDecision
		}
		if err := resolvePending(ctx, st, in.Input.Decision, deps); err != nil {
			return nil, err
		}

	case InputRetry:
		if st.Pending != nil {
			return nil, ErrDecisionPending
		}
		if !st.NeedsModel() && len(st.Unresolved()) == 0 {
			return nil, ErrNothingToRetry
		}
		log.Info().Str("session_id", st.SessionID).Msg("retrying interrupted turn")
	}

	return in, nil
}

func resolvePending(ctx context.Context, st *statex.Session, d Decision, deps *TurnDeps) error {
	pending := *st.Pending
	logger := log.With().
		Str("session_id", st.SessionID).
		Str("correlation_id", pending.CorrelationID).
		Str("action", pending.ActionName).
		Logger()

	// Results of a decided action must land even if the caller goes away mid-way.
	ctx = context.WithoutCancel(ctx)

	var result statex.ActionResult
	switch {
	case pending.Status == statex.PendingApproved:
		logger.Warn().Msg("pending action was approved before an interruption, not running it again")
		result = statex.ActionResult{
			CorrelationID: pending.CorrelationID,
			ActionName:    pending.ActionName,
			Failure:       &statex.Failure{Kind: statex.FailureUnknown, Detail: unconfirmedDetail},
		}

	case d.Approve:
		approved := pending
		approved.Status = statex.PendingApproved
		if err := setPending(ctx, deps.Store, st, &approved); err != nil {
			return err
		}
		logger.Info().Msg("action approved")
		result = deps.Tools.Execute(ctx, st.UserID, statex.ProposedAction{
			CorrelationID: pending.CorrelationID,
			ActionName:    pending.ActionName,
			Arguments:     pending.Arguments,
		})

	default:
		raw, err := json.Marshal(NewDenialPayload(pending.CorrelationID, d.Reason))
		if err != nil {
			return fmt.Errorf("marshal denial payload: %w", err)
		}
		logger.Info().Str("reason", d.Reason).Msg("action rejected")
		result = statex.ActionResult{
			CorrelationID: pending.CorrelationID,
			ActionName:    pending.ActionName,
			Payload:       raw,
		}
	}

	if err := appendMessages(ctx, deps.Store, st, statex.NewResultMessage(result, deps.now())); err != nil {
		return err
	}
	return setPending(ctx, deps.Store, st, nil)
}
