package assistant

import (
	"context"
	"fmt"
	"strings"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/tool"
)

// ChatCompleter is the slice of the openai-go client the adapter needs.
type ChatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type OpenAIOptions struct {
	Model               string
	Temperature         float32
	MaxCompletionTokens int
}

// OpenAIAdapter calls the chat completions endpoint directly. It shares the prompt
// template and history rendering with EinoAdapter.
type OpenAIAdapter struct {
	completions ChatCompleter
	template    einoprompt.ChatTemplate
	tools       []openai.ChatCompletionToolParam
	opts        OpenAIOptions
}

var _ contractx.ModelAdapter = (*OpenAIAdapter)(nil)

func NewOpenAIAdapter(completions ChatCompleter, functions []tool.FunctionSpec, systemPrompt string, opts OpenAIOptions) (*OpenAIAdapter, error) {
	if completions == nil {
		return nil, fmt.Errorf("%w: openai client is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", contractx.ErrValidation)
	}
	if systemPrompt == "" {
		return nil, contractx.ErrPromptMissing
	}

	tools := make([]openai.ChatCompletionToolParam, 0, len(functions))
	for _, f := range functions {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        f.Name,
				Description: openai.String(f.Description),
				Parameters:  openai.FunctionParameters(f.Parameters),
			},
		})
	}

	return &OpenAIAdapter{
		completions: completions,
		template:    newTemplate(systemPrompt),
		tools:       tools,
		opts:        opts,
	}, nil
}

func (a *OpenAIAdapter) Respond(ctx context.Context, req contractx.ModelRequest) (contractx.AssistantReply, error) {
	vars, err := templateVars(req)
	if err != nil {
		return contractx.AssistantReply{}, err
	}
	rendered, err := a.template.Format(ctx, vars)
	if err != nil {
		return contractx.AssistantReply{}, fmt.Errorf("%w: render prompt: %v", contractx.ErrValidation, err)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.opts.Model),
		Messages: toOpenAIMessages(rendered),
		Tools:    a.tools,
	}
	if a.opts.Temperature >= 0 {
		params.Temperature = openai.Float(float64(a.opts.Temperature))
	}
	if a.opts.MaxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(a.opts.MaxCompletionTokens))
	}

	resp, err := a.completions.New(ctx, params)
	if err != nil {
		return contractx.AssistantReply{}, classifyModelError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return contractx.AssistantReply{}, fmt.Errorf("%w: completion has no choices", contractx.ErrSchemaViolation)
	}

	msg := resp.Choices[0].Message
	calls := make([]rawCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, rawCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return toReply(msg.Content, calls), nil
}

func toOpenAIMessages(msgs []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case schema.System:
			out = append(out, openai.SystemMessage(m.Content))
		case schema.User:
			out = append(out, openai.UserMessage(m.Content))
		case schema.Tool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case schema.Assistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)}
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}
