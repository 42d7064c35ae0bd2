package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

type openAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAI returns a Client backed by the OpenAI chat completions API.
// BaseURL may point at any OpenAI-compatible endpoint.
func NewOpenAI(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openAIClient{client: openai.NewClient(opts...), model: cfg.Model}, nil
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (string, error) {
	model := c.model
	if req.ModelHint != "" {
		model = req.ModelHint
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.SessionContext)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, t := range req.SessionContext {
		if t.Role == RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(req.Message))

	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	})
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			out.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("openai chat stream: %w", err)
	}
	return out.String(), nil
}
