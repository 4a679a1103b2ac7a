package contract

import (
	"errors"
	"fmt"
	"time"

	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

type AgentType string

const (
	AgentTypeAssistant AgentType = "assistant"
)

type ActionClass int

const (
	ActionUnknown ActionClass = iota
	ActionAutoExecute
	ActionConfirmRequired
)

func (c ActionClass) String() string {
	switch c {
	case ActionAutoExecute:
		return "auto_execute"
	case ActionConfirmRequired:
		return "confirm_required"
	default:
		return "unknown"
	}
}

type ModelRequest struct {
	SessionID string           `json:"session_id"`
	UserID    string           `json:"user_id"`
	History   []statex.Message `json:"history"`
	Now       time.Time        `json:"now"`
}

// AssistantReply is what a model adapter returns: final text, proposed actions, or both.
type AssistantReply struct {
	Text            string                  `json:"text,omitempty"`
	ProposedActions []statex.ProposedAction `json:"proposed_actions,omitempty"`
}

// TransientError marks a model failure worth retrying. RetryAfter carries the
// provider-supplied delay when there is one.
type TransientError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s): %v", ErrTransientUpstream, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrTransientUpstream, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransientUpstream, e.Err}
}

// IsTransient reports whether err should be retried at the orchestrator level.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}
