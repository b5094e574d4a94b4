// Package langchain adapts a langchaingo llms.Model into reasoner.Reasoner. It is
// not wired by cmd/orchestrator, which builds only the anthropic backend. It is a
// swappable backend in the sense of spec §9 Design Notes' "agents depend only
// on small capability interfaces" -- any langchaingo-supported provider (OpenAI,
// Ollama, a fake for tests) works behind this one adapter without a new Reasoner
// implementation per provider.
package langchain

import (
	"context"

	"github.com/kvknd/substrated/pkg/reasoner"
	"github.com/tmc/langchaingo/llms"
)

// Adapter wraps an llms.Model as a reasoner.Reasoner.
type Adapter struct {
	model llms.Model
}

func New(model llms.Model) *Adapter {
	return &Adapter{model: model}
}

func (a *Adapter) Reason(ctx context.Context, req reasoner.Request) (reasoner.Response, error) {
	var opts []llms.CallOption
	if maxTokens, ok := req.Params["max_tokens"].(int); ok {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}
	if temperature, ok := req.Params["temperature"].(float64); ok {
		opts = append(opts, llms.WithTemperature(temperature))
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.UserPrompt),
	}

	resp, err := a.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return reasoner.Response{}, err
	}
	if len(resp.Choices) == 0 {
		return reasoner.Response{}, nil
	}
	choice := resp.Choices[0]
	tokens, _ := choice.GenerationInfo["TotalTokens"].(int)
	return reasoner.Response{
		Text:       choice.Content,
		TokensUsed: tokens,
		Raw:        choice.GenerationInfo,
	}, nil
}
