// Package anthropic is a concrete reasoner.Reasoner backed directly by
// anthropic-sdk-go, for deployments that want the native SDK's feature surface
// instead of langchaingo's provider abstraction (spec §9: "one concrete Reasoner
// backend behind the abstract interface").
package anthropic

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kvknd/substrated/pkg/reasoner"
)

// Backend calls the Anthropic Messages API.
type Backend struct {
	client anthropic.Client
	model  anthropic.Model
}

// New constructs a Backend. apiKey may be empty to fall back to the SDK's default
// ANTHROPIC_API_KEY environment lookup.
func New(apiKey string, model anthropic.Model) *Backend {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Backend{client: anthropic.NewClient(opts...), model: model}
}

func (b *Backend) Reason(ctx context.Context, req reasoner.Request) (reasoner.Response, error) {
	maxTokens := int64(1024)
	if v, ok := req.Params["max_tokens"].(int); ok {
		maxTokens = int64(v)
	}

	message, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	})
	if err != nil {
		return reasoner.Response{}, err
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return reasoner.Response{
		Text:       text,
		TokensUsed: int(message.Usage.OutputTokens + message.Usage.InputTokens),
		Raw:        map[string]any{"stop_reason": string(message.StopReason)},
	}, nil
}
