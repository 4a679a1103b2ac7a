package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is the persistent source of truth for one conversation thread.
// Messages are append-only; their order is the order the model sees.
type Session struct {
	SessionID string           `json:"session_id"`
	UserID    string           `json:"user_id"`
	Messages  []Message        `json:"messages,omitempty"`
	Pending   *PendingDecision `json:"pending,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MessageKind string

const (
	KindUser         MessageKind = "user"
	KindAssistant    MessageKind = "assistant"
	KindActionResult MessageKind = "action_result"
)

// Message is a tagged variant. Kind decides which of the other fields are meaningful:
//   - user: Text
//   - assistant: Text (optional) + ProposedActions
//   - action_result: Result
type Message struct {
	Kind            MessageKind      `json:"kind"`
	Text            string           `json:"text,omitempty"`
	ProposedActions []ProposedAction `json:"proposed_actions,omitempty"`
	Result          *ActionResult    `json:"result,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

type ProposedAction struct {
	CorrelationID string         `json:"correlation_id"`
	ActionName    string         `json:"action_name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
}

type FailureKind string

const (
	FailureValidation        FailureKind = "validation_error"
	FailureNotFound          FailureKind = "not_found"
	FailureInsufficientStock FailureKind = "insufficient_stock"
	FailureUnknownAction     FailureKind = "unknown_action"
	FailureUnknown           FailureKind = "unknown"
)

type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

// ActionResult carries exactly one of Payload or Failure.
type ActionResult struct {
	CorrelationID string          `json:"correlation_id"`
	ActionName    string          `json:"action_name"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Failure       *Failure        `json:"failure,omitempty"`
}

func (r ActionResult) Failed() bool {
	return r.Failure != nil
}

type PendingStatus string

const (
	PendingAwaiting PendingStatus = "awaiting"
	// PendingApproved is written before the gated handler runs.
	PendingApproved PendingStatus = "approved"
)

type PendingDecision struct {
	CorrelationID string         `json:"correlation_id"`
	ActionName    string         `json:"action_name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	Status        PendingStatus  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

/* ---------------------------- Message helpers ---------------------------- */

func NewUserMessage(text string, now time.Time) Message {
	return Message{Kind: KindUser, Text: text, CreatedAt: now.UTC()}
}

func NewAssistantMessage(text string, actions []ProposedAction, now time.Time) Message {
	return Message{Kind: KindAssistant, Text: text, ProposedActions: actions, CreatedAt: now.UTC()}
}

func NewResultMessage(res ActionResult, now time.Time) Message {
	return Message{Kind: KindActionResult, Result: &res, CreatedAt: now.UTC()}
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindUser:
		if strings.TrimSpace(m.Text) == "" {
			return fmt.Errorf("%w: user message text is empty", ErrInvalidMessage)
		}
	case KindAssistant:
		seen := make(map[string]struct{}, len(m.ProposedActions))
		for _, a := range m.ProposedActions {
			if strings.TrimSpace(a.CorrelationID) == "" || strings.TrimSpace(a.ActionName) == "" {
				return fmt.Errorf("%w: proposed action needs correlation id and name", ErrInvalidMessage)
			}
			if _, dup := seen[a.CorrelationID]; dup {
				return fmt.Errorf("%w: duplicate correlation id %s", ErrInvalidMessage, a.CorrelationID)
			}
			seen[a.CorrelationID] = struct{}{}
		}
	case KindActionResult:
		if m.Result == nil || strings.TrimSpace(m.Result.CorrelationID) == "" {
			return fmt.Errorf("%w: action result needs a correlation id", ErrInvalidMessage)
		}
		if (m.Result.Failure == nil) == (len(m.Result.Payload) == 0) {
			return fmt.Errorf("%w: action result needs exactly one of payload or failure", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

/* -------------------------- Session helpers ------------------------------ */

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrHistoryCorrupt  = errors.New("session history corrupt")
	ErrPendingMismatch = errors.New("pending decision does not match history")
	ErrNilSessionState = errors.New("session is nil")
	ErrInvalidSession  = errors.New("session id is empty")
	ErrStateNotFound   = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

func NewSession(sessionID, userID string, now time.Time) *Session {
	if strings.TrimSpace(userID) == "" {
		userID = sessionID
	}
	return &Session{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// LastAssistant returns the index of the most recent assistant message, or -1.
func (s *Session) LastAssistant() int {
	if s == nil {
		return -1
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Kind == KindAssistant {
			return i
		}
	}
	return -1
}

// Unresolved lists, in proposal order, the actions of the latest assistant
// message that have no ActionResult yet.
func (s *Session) Unresolved() []ProposedAction {
	idx := s.LastAssistant()
	if idx < 0 {
		return nil
	}
	resolved := make(map[string]struct{})
	for _, m := range s.Messages[idx+1:] {
		if m.Kind == KindActionResult && m.Result != nil {
			resolved[m.Result.CorrelationID] = struct{}{}
		}
	}
	var out []ProposedAction
	for _, a := range s.Messages[idx].ProposedActions {
		if _, ok := resolved[a.CorrelationID]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// StalePending reports a pending marker whose action already has a result. This is left
// behind when a process stops between appending the result and clearing the marker.
func (s *Session) StalePending() bool {
	if s == nil || s.Pending == nil {
		return false
	}
	for _, a := range s.Unresolved() {
		if a.CorrelationID == s.Pending.CorrelationID {
			return false
		}
	}
	return true
}

// NeedsModel reports whether the history ends at a point where the model must speak next:
// a user message, or a fully resolved assistant message.
func (s *Session) NeedsModel() bool {
	if s == nil || len(s.Messages) == 0 {
		return false
	}
	last := s.Messages[len(s.Messages)-1]
	switch last.Kind {
	case KindUser:
		return true
	case KindActionResult:
		return len(s.Unresolved()) == 0
	case KindAssistant:
		return false
	}
	return false
}

// Answered reports whether the latest message is a final assistant answer.
func (s *Session) Answered() bool {
	if s == nil || len(s.Messages) == 0 {
		return false
	}
	last := s.Messages[len(s.Messages)-1]
	return last.Kind == KindAssistant && len(last.ProposedActions) == 0
}

// Validate enforces the correlation invariant: each proposed action has at most one
// result, every result answers an action of the assistant message before it, and no
// assistant message follows one with unresolved actions. A pending marker must name an
// unresolved action.
func (s *Session) Validate() error {
	open, err := s.validateHistory()
	if err != nil {
		return err
	}
	if s.Pending != nil {
		done, ok := open[s.Pending.CorrelationID]
		if !ok || done {
			return fmt.Errorf("%w: correlation id %s", ErrPendingMismatch, s.Pending.CorrelationID)
		}
	}
	return nil
}

// ValidateHistory checks the message history only. A stale pending marker passes; see
// StalePending.
func (s *Session) ValidateHistory() error {
	_, err := s.validateHistory()
	return err
}

// validateHistory returns the actions of the latest assistant message, mapped to
// whether they have a result.
func (s *Session) validateHistory() (map[string]bool, error) {
	if s == nil {
		return nil, ErrNilSessionState
	}
	if strings.TrimSpace(s.SessionID) == "" {
		return nil, ErrInvalidSession
	}

	open := map[string]bool{}
	for i, m := range s.Messages {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		switch m.Kind {
		case KindAssistant:
			for id, done := range open {
				if !done {
					return nil, fmt.Errorf("%w: action %s unresolved before message %d", ErrHistoryCorrupt, id, i)
				}
			}
			open = make(map[string]bool, len(m.ProposedActions))
			for _, a := range m.ProposedActions {
				open[a.CorrelationID] = false
			}
		case KindActionResult:
			done, ok := open[m.Result.CorrelationID]
			if !ok {
				return nil, fmt.Errorf("%w: orphan result %s at message %d", ErrHistoryCorrupt, m.Result.CorrelationID, i)
			}
			if done {
				return nil, fmt.Errorf("%w: duplicate result %s at message %d", ErrHistoryCorrupt, m.Result.CorrelationID, i)
			}
			open[m.Result.CorrelationID] = true
		}
	}
	return open, nil
}

// Clone returns a deep copy through JSON, which is also what every durable backend does.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}
