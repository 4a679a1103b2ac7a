package assistant

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	llmx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/llm"
	promptx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/prompt"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/tool"
	openrouterx "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/openrouter"
)

// New builds the configured model adapter with every action of registry bound as a tool.
func New(ctx context.Context, cfg llmx.Config, registry *tool.Registry) (contractx.ModelAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: action registry is required", contractx.ErrValidation)
	}

	prompts := promptx.LoadPromptSet()
	orCfg := cfg.OpenRouterFor(contractx.AgentTypeAssistant)

	log.Info().
		Str("backend", cfg.BackendName()).
		Str("model", orCfg.Model).
		Int("tools", len(registry.Names())).
		Msg("building assistant model adapter")

	switch cfg.BackendName() {
	case llmx.BackendOpenAI:
		client := openrouterx.NewClient(orCfg)
		if client == nil {
			return nil, fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
		}
		maxTokens := 0
		if orCfg.MaxCompletionToken != nil {
			maxTokens = *orCfg.MaxCompletionToken
		}
		return NewOpenAIAdapter(&client.Chat.Completions, registry.FunctionDefinitions(), prompts.Assistant, OpenAIOptions{
			Model:               orCfg.Model,
			Temperature:         orCfg.Temperature,
			MaxCompletionTokens: maxTokens,
		})
	default:
		chatModel, err := orCfg.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: create assistant model: %v", contractx.ErrModelInvoke, err)
		}
		return NewEinoAdapter(ctx, chatModel, registry.Tools(), prompts.Assistant)
	}
}
