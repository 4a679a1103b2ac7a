package assistant

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

func templateVars(req contractx.ModelRequest) (map[string]any, error) {
	history, err := toSchemaMessages(req.History)
	if err != nil {
		return nil, err
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	return map[string]any{
		varHistory:  history,
		varUserInfo: req.UserID,
		varTime:     now.UTC().Format(time.RFC3339),
	}, nil
}

// toSchemaMessages renders session history in the chat shape tool calling models expect:
// proposed actions become tool calls and action results become tool messages.
func toSchemaMessages(history []statex.Message) ([]*schema.Message, error) {
	out := make([]*schema.Message, 0, len(history))
	for i, m := range history {
		switch m.Kind {
		case statex.KindUser:
			out = append(out, schema.UserMessage(m.Text))
		case statex.KindAssistant:
			calls := make([]schema.ToolCall, 0, len(m.ProposedActions))
			for _, a := range m.ProposedActions {
				args, err := json.Marshal(nonNilArgs(a.Arguments))
				if err != nil {
					return nil, fmt.Errorf("%w: message %d arguments: %v", contractx.ErrValidation, i, err)
				}
				calls = append(calls, schema.ToolCall{
					ID:   a.CorrelationID,
					Type: "function",
					Function: schema.FunctionCall{
						Name:      a.ActionName,
						Arguments: string(args),
					},
				})
			}
			if len(calls) == 0 {
				calls = nil
			}
			out = append(out, schema.AssistantMessage(m.Text, calls))
		case statex.KindActionResult:
			if m.Result == nil {
				return nil, fmt.Errorf("%w: message %d has no result", contractx.ErrValidation, i)
			}
			out = append(out, schema.ToolMessage(resultContent(*m.Result), m.Result.CorrelationID))
		default:
			return nil, fmt.Errorf("%w: message %d has unknown kind %q", contractx.ErrValidation, i, m.Kind)
		}
	}
	return out, nil
}

// resultContent is what the model reads back for one action.
func resultContent(r statex.ActionResult) string {
	if r.Failure == nil {
		return string(r.Payload)
	}
	raw, err := json.Marshal(map[string]string{
		"error":  string(r.Failure.Kind),
		"detail": r.Failure.Detail,
	})
	if err != nil {
		return r.Failure.Detail
	}
	return string(raw)
}

// unnamedAction stands in for a tool call without a function name; no action has it.
const unnamedAction = "unnamed_action"

type rawCall struct {
	ID        string
	Name      string
	Arguments string
}

// toReply turns model output into an AssistantReply. Missing or repeated call ids are
// replaced with fresh UUIDs so every proposed action has a unique correlation id.
func toReply(text string, calls []rawCall) contractx.AssistantReply {
	reply := contractx.AssistantReply{Text: strings.TrimSpace(text)}
	if len(calls) == 0 {
		return reply
	}

	seen := make(map[string]struct{}, len(calls))
	reply.ProposedActions = make([]statex.ProposedAction, 0, len(calls))
	for _, c := range calls {
		id := strings.TrimSpace(c.ID)
		if _, dup := seen[id]; id == "" || dup {
			id = uuid.NewString()
		}
		seen[id] = struct{}{}

		args := map[string]any{}
		if raw := strings.TrimSpace(c.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				log.Warn().
					Err(err).
					Str("action", c.Name).
					Str("correlation_id", id).
					Msg("model sent arguments that are not a JSON object")
				args = map[string]any{}
			}
		}

		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = unnamedAction
		}

		reply.ProposedActions = append(reply.ProposedActions, statex.ProposedAction{
			CorrelationID: id,
			ActionName:    name,
			Arguments:     args,
		})
	}
	return reply
}

func fromSchemaMessage(msg *schema.Message) (contractx.AssistantReply, error) {
	if msg == nil {
		return contractx.AssistantReply{}, fmt.Errorf("%w: empty model response", contractx.ErrSchemaViolation)
	}
	calls := make([]rawCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, rawCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return toReply(msg.Content, calls), nil
}

func nonNilArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
