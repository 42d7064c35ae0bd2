package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type einoClient struct {
	chat model.BaseChatModel
}

// NewEino returns a Client backed by an Eino chat model (Ollama or Claude).
func NewEino(ctx context.Context, cfg Config) (Client, error) {
	var (
		chat model.BaseChatModel
		err  error
	)
	switch cfg.Provider {
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		chat, err = ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
		})
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key is required")
		}
		chat, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		})
	default:
		return nil, fmt.Errorf("eino: unsupported provider %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", cfg.Provider, err)
	}
	return &einoClient{chat: chat}, nil
}

// Generate streams the reply and returns the concatenated chunks.
func (c *einoClient) Generate(ctx context.Context, req Request) (string, error) {
	var opts []model.Option
	if req.ModelHint != "" {
		opts = append(opts, model.WithModel(req.ModelHint))
	}
	stream, err := c.chat.Stream(ctx, toEinoMessages(req), opts...)
	if err != nil {
		return "", fmt.Errorf("eino stream: %w", err)
	}
	return drain(stream)
}

// drain reads stream until its end marker (io.EOF) and closes it.
func drain(stream *schema.StreamReader[*schema.Message]) (string, error) {
	defer stream.Close()
	var out strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("eino stream recv: %w", err)
		}
		if chunk != nil {
			out.WriteString(chunk.Content)
		}
	}
}

func toEinoMessages(req Request) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(req.SessionContext)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, &schema.Message{Role: schema.System, Content: req.SystemPrompt})
	}
	for _, t := range req.SessionContext {
		role := schema.User
		if t.Role == RoleAssistant {
			role = schema.Assistant
		}
		msgs = append(msgs, &schema.Message{Role: role, Content: t.Content})
	}
	return append(msgs, &schema.Message{Role: schema.User, Content: req.Message})
}
