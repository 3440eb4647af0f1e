// Package provider abstracts the reply generator behind a narrow client
// interface so the relay pipeline never binds to a concrete AI backend.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"deskrelay/pkg/config"
	"deskrelay/pkg/conversation"
	provideropenai "deskrelay/pkg/provider/openai"
)

// Client produces one reply from a full conversation window.
type Client interface {
	Health(ctx context.Context) error
	Complete(ctx context.Context, window []conversation.Entry) (string, error)
}

// New resolves the configured provider client.
func New(cfg *config.Config) (Client, error) {
	providerID := cfg.Providers.Default
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "openai":
		return provideropenai.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
