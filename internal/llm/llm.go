// Package llm is the engine's only door to a generative-language service.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

// Provider identifies a backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
	ProviderAnthropic Provider = "anthropic"
)

// DefaultOllamaURL is used when no base URL is configured for Ollama.
const DefaultOllamaURL = "http://localhost:11434"

// Role of a prior conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of session context sent ahead of the request.
type Turn struct {
	Role    Role
	Content string
}

// Request is one generation call.
type Request struct {
	Message        string
	SystemPrompt   string
	SessionContext []Turn
	// ModelHint overrides the configured model when non-empty.
	ModelHint string
}

// Client produces raw text for a request. The text is untrusted and goes
// through internal/parser before use.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Config selects and configures a provider.
type Config struct {
	Provider Provider      `mapstructure:"provider" validate:"required,oneof=openai ollama anthropic"`
	Model    string        `mapstructure:"model" validate:"required"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// New builds the provider client for cfg wrapped with metrics, tracing and
// a per-call timeout.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Client, error) {
	var (
		c   Client
		err error
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		c, err = NewOpenAI(cfg)
	case ProviderOllama, ProviderAnthropic:
		c, err = NewEino(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: openai, ollama, anthropic)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(c, string(cfg.Provider), cfg.Timeout, logger), nil
}

type instrumented struct {
	next     Client
	provider string
	timeout  time.Duration
	logger   *slog.Logger
}

// Instrument wraps c with a timeout, a span and request metrics.
func Instrument(c Client, provider string, timeout time.Duration, logger *slog.Logger) Client {
	return &instrumented{next: c, provider: provider, timeout: timeout, logger: logger}
}

func (i *instrumented) Generate(ctx context.Context, req Request) (string, error) {
	ctx, span := otel.Tracer("llm").Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", i.provider),
		attribute.String("llm.model_hint", req.ModelHint),
		attribute.Int("llm.prompt_chars", len(req.Message)),
	)

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := i.next.Generate(ctx, req)
	telemetry.LLMRequestDurationSeconds.WithLabelValues(i.provider).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.LLMRequestsTotal.WithLabelValues(i.provider, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.Warn("generation failed",
			slog.String("provider", i.provider),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	telemetry.LLMRequestsTotal.WithLabelValues(i.provider, "ok").Inc()
	span.SetAttributes(attribute.Int("llm.completion_chars", len(out)))
	return out, nil
}
