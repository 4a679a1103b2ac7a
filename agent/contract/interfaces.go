package contract

import (
	"context"

	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

// ModelAdapter turns the ordered session history into the next assistant message.
type ModelAdapter interface {
	Respond(ctx context.Context, req ModelRequest) (AssistantReply, error)
}

// ToolGateway is the orchestrator's view of the action registry.
type ToolGateway interface {
	Classify(action string) ActionClass
	Execute(ctx context.Context, userID string, action statex.ProposedAction) statex.ActionResult
}

// DecisionNotifier is told when a turn suspends on a gated action.
type DecisionNotifier interface {
	NotifyPending(ctx context.Context, sessionID string, pending statex.PendingDecision) error
}
