// Package ai wraps the external language-generation provider behind
// capability interfaces the workflow can substitute in tests.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Provider is the single capability shape both adapters are built on:
// one prompt in, one text completion out. Implementations hold no
// retry logic; retry policy belongs to the orchestrator so it can be
// tuned per step.
type Provider interface {
	Generate(ctx context.Context, promptText string) (string, error)
}

// ProviderError reports a network or provider fault.
type ProviderError struct {
	Reason string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("provider error: %s", e.Reason)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ChainProvider runs prompts through a compiled eino chain backed by a
// configured chat model.
type ChainProvider struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewChainProvider compiles the prompt -> model chain once at startup.
func NewChainProvider(ctx context.Context, chatModel model.ChatModel) (*ChainProvider, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile provider chain: %w", err)
	}

	return &ChainProvider{chain: runnable}, nil
}

// Generate runs one prompt through the chain.
func (p *ChainProvider) Generate(ctx context.Context, promptText string) (string, error) {
	response, err := p.chain.Invoke(ctx, map[string]any{"query": promptText})
	if err != nil {
		return "", &ProviderError{Reason: "chain invoke failed", Err: err}
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", &ProviderError{Reason: "empty completion"}
	}
	return response.Content, nil
}

// Unavailable returns a Provider that always fails, used when no model
// credentials are configured. The pipeline then serves its built-in
// fallbacks instead of refusing to start.
func Unavailable() Provider {
	return unavailableProvider{}
}

type unavailableProvider struct{}

func (unavailableProvider) Generate(context.Context, string) (string, error) {
	return "", &ProviderError{Reason: "no chat model configured"}
}
