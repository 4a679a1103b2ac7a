package orchestratornode

import (
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

var (
	ErrInvalidMessage    = errors.New("message is empty")
	ErrInvalidSession    = errors.New("session id is empty")
	ErrDecisionPending   = errors.New("an action is awaiting a decision")
	ErrNoPendingDecision = errors.New("no action is awaiting a decision")
	ErrNothingToRetry    = errors.New("session has no interrupted turn to retry")
	ErrTurnIncomplete    = errors.New("previous turn is incomplete, retry it first")
	ErrSessionBusy       = errors.New("session is busy with another turn")
	ErrTooManyRounds     = errors.New("turn exceeded the model round limit")
	ErrModelUnavailable  = errors.New("model is unavailable")
)

type InputKind string

const (
	InputText     InputKind = "text"
	InputDecision InputKind = "decision"
	InputRetry    InputKind = "retry"
)

// Decision resolves a suspended action. Reason is only read on rejection.
type Decision struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func Approve() Decision {
	return Decision{Approve: true}
}

func Reject(reason string) Decision {
	return Decision{Reason: reason}
}

type Input struct {
	Kind     InputKind `json:"kind"`
	Text     string    `json:"text,omitempty"`
	Decision Decision  `json:"decision"`
}

func TextInput(text string) Input {
	return Input{Kind: InputText, Text: text}
}

func DecisionInput(d Decision) Input {
	return Input{Kind: InputDecision, Decision: d}
}

func RetryInput() Input {
	return Input{Kind: InputRetry}
}

type OutcomeKind string

const (
	OutcomeAnswered  OutcomeKind = "answered"
	OutcomeSuspended OutcomeKind = "suspended"
)

// Outcome is where a turn came to rest: a final answer, or an action awaiting approval.
type Outcome struct {
	Kind          OutcomeKind    `json:"kind"`
	Text          string         `json:"text,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ActionName    string         `json:"action_name,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty"`
}

type GraphInput struct {
	SessionID string
	Input     Input
}

type GraphOutput struct {
	Outcome Outcome
}

type GraphState struct {
	SessionID string
	Input     Input
	Now       time.Time

	Session *statex.Session
	Outcome *Outcome
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	input := in.Input
	switch input.Kind {
	case InputText:
		input.Text = strings.TrimSpace(input.Text)
		if input.Text == "" {
			return nil, ErrInvalidMessage
		}
	case InputDecision:
		input.Decision.Reason = strings.TrimSpace(input.Decision.Reason)
	case InputRetry:
	default:
		return nil, fmt.Errorf("%w: unknown input kind %q", contractx.ErrValidation, input.Kind)
	}

	return &GraphState{
		SessionID: sessionID,
		Input:     input,
		Now:       nowFn().UTC(),
	}, nil
}
