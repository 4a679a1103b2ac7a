package assistant

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
)

// EinoAdapter asks a tool calling eino chat model for the next assistant message.
type EinoAdapter struct {
	runner compose.Runnable[map[string]any, *schema.Message]
}

var _ contractx.ModelAdapter = (*EinoAdapter)(nil)

func NewEinoAdapter(
	ctx context.Context,
	chatModel einomodel.ToolCallingChatModel,
	tools []*schema.ToolInfo,
	systemPrompt string,
) (*EinoAdapter, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: chat model is required", contractx.ErrValidation)
	}
	if systemPrompt == "" {
		return nil, contractx.ErrPromptMissing
	}

	toolModel, err := chatModel.WithTools(tools)
	if err != nil {
		return nil, fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err)
	}
	runner, err := compileAssistantGraph(ctx, toolModel, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	return &EinoAdapter{runner: runner}, nil
}

func (a *EinoAdapter) Respond(ctx context.Context, req contractx.ModelRequest) (contractx.AssistantReply, error) {
	vars, err := templateVars(req)
	if err != nil {
		return contractx.AssistantReply{}, err
	}

	msg, err := a.runner.Invoke(ctx, vars)
	if err != nil {
		return contractx.AssistantReply{}, classifyModelError(err)
	}
	return fromSchemaMessage(msg)
}
