package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"deskrelay/pkg/config"
	"deskrelay/pkg/conversation"
	providertypes "deskrelay/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client generates replies with the OpenAI chat completions API.
type Client struct {
	client         osdk.Client
	model          string
	requestTimeout time.Duration
}

// New validates OpenAI provider config and constructs the client.
func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model := strings.TrimSpace(providerCfg.Model)
	if model == "" {
		return nil, errors.New("providers.openai.model is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		requestTimeout: requestTimeout,
	}, nil
}

// Health verifies API reachability and credentials.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := generatorLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("Generator request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("Generator request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("Generator request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Complete maps the conversation window onto chat-completion messages and
// returns the generated reply text.
func (c *Client) Complete(ctx context.Context, window []conversation.Entry) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := generatorLogger().With("operation", "complete")
	startedAt := time.Now()

	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(window))
	for _, entry := range window {
		content := strings.TrimSpace(entry.Content)
		if content == "" {
			continue
		}

		switch entry.Role {
		case conversation.RoleSystem:
			messages = append(messages, osdk.SystemMessage(content))
		case conversation.RoleAssistant:
			messages = append(messages, osdk.AssistantMessage(content))
		default:
			messages = append(messages, osdk.UserMessage(content))
		}
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: conversation window is empty", providertypes.ErrGeneration)
	}
	log.Debug("Generator request started", "model", c.model, "window_entries", len(messages))

	completion, err := c.client.Chat.Completions.New(ctx, osdk.ChatCompletionNewParams{
		Model:    osdk.ChatModel(c.model),
		Messages: messages,
	})
	if err != nil {
		log.Debug("Generator request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("%w: %v", providertypes.ErrGeneration, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: completion returned no choices", providertypes.ErrGeneration)
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		log.Debug("Generator request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return "", fmt.Errorf("%w: completion returned no text", providertypes.ErrGeneration)
	}
	log.Debug("Generator request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	return text, nil
}

func generatorLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}
