package remedy

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// An InferenceClient is the boundary to the AI model: prompt in, text out.
// Implementations must return an InferenceError for transport failures so
// the pipeline can distinguish them from semantic (unparseable) responses.
type InferenceClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AnthropicClient is the production InferenceClient backed by the Anthropic
// messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicClient creates an inference client for the given model. The
// API key is read by the SDK from the environment when apiKey is empty.
func NewAnthropicClient(apiKey, model string, maxTokens int64) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

// Complete sends the prompt as a single user message and returns the
// concatenated text content of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				anthropic.NewTextBlock(prompt),
			},
		}},
	})
	if err != nil {
		return "", &InferenceError{Transient: isRetryableModelError(err), Err: err}
	}

	var text string
	for _, content := range message.Content {
		if content.Type == "text" {
			text += content.Text
		}
	}
	if text == "" {
		return "", &InferenceError{Err: fmt.Errorf("model returned no text content")}
	}
	return text, nil
}

// isRetryableModelError reports whether an Anthropic API error is a rate
// limit or transient server error.
func isRetryableModelError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 503, 504, 529:
			return true
		}
		return false
	}
	// Anything that never reached the API, e.g. connection resets.
	return true
}
