// Package classifier wraps the OpenAI moderation endpoint behind the
// Classifier interface used by the rule evaluator. Any OpenAI-compatible
// moderation API can be targeted by overriding the base URL.
package classifier

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const defaultModel = openai.ModerationOmniLatest

// OpenAI classifies message text via the moderation endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a classifier. baseURL and model are optional; empty
// values use the OpenAI defaults.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	if model == "" {
		model = defaultModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Classify reports whether the moderation model flagged the text.
func (o *OpenAI) Classify(ctx context.Context, text string) (bool, error) {
	resp, err := o.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: o.model,
	})
	if err != nil {
		return false, fmt.Errorf("moderation request: %w", err)
	}
	if len(resp.Results) == 0 {
		return false, fmt.Errorf("moderation response had no results")
	}
	return resp.Results[0].Flagged, nil
}
