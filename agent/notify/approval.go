package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
	qstashx "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/qstash"
)

type Publisher interface {
	Publish(ctx context.Context, destination string, body any, opts ...qstashx.PublishOption) (qstashx.PublishResponse, error)
}

// PendingApproval is the message body delivered to the approval webhook.
type PendingApproval struct {
	SessionID     string         `json:"session_id"`
	CorrelationID string         `json:"correlation_id"`
	ActionName    string         `json:"action_name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	RequestedAt   time.Time      `json:"requested_at"`
}

// ApprovalNotifier publishes suspended actions to a QStash destination.
type ApprovalNotifier struct {
	publisher   Publisher
	destination string
}

func NewApprovalNotifier(publisher Publisher, destination string) (*ApprovalNotifier, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, errors.New("approval destination is required")
	}
	return &ApprovalNotifier{publisher: publisher, destination: destination}, nil
}

func (n *ApprovalNotifier) NotifyPending(ctx context.Context, sessionID string, pending statex.PendingDecision) error {
	resp, err := n.publisher.Publish(ctx, n.destination, PendingApproval{
		SessionID:     sessionID,
		CorrelationID: pending.CorrelationID,
		ActionName:    pending.ActionName,
		Arguments:     pending.Arguments,
		RequestedAt:   pending.CreatedAt,
	}, qstashx.WithDeduplicationID(sessionID+":"+pending.CorrelationID))
	if err != nil {
		return err
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("correlation_id", pending.CorrelationID).
		Str("message_id", resp.MessageID).
		Msg("approval request published")
	return nil
}
