// Package llm builds the chat model shared by the supervisor and workers.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/ollama/ollama/api"

	"console_agent/internal/config"
)

const (
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"
	ProviderDeepSeek = "deepseek"
	ProviderArk      = "ark"
)

const defaultOllamaURL = "http://localhost:11434"

// NewChatModel creates the tool-calling chat model for cfg.Provider.
func NewChatModel(ctx context.Context, cfg config.ModelConfig) (model.ToolCallingChatModel, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}
	if provider != ProviderOllama && cfg.APIKey == "" {
		return nil, fmt.Errorf("MODEL_API_KEY is required for provider %s", provider)
	}

	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature

	switch provider {
	case ProviderOpenAI:
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Name,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating openai chat model: %w", err)
		}
		return chatModel, nil

	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   cfg.Name,
			Timeout: cfg.Timeout,
			Options: &api.Options{
				Temperature: temperature,
				NumPredict:  maxTokens,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("error creating ollama chat model: %w", err)
		}
		return chatModel, nil

	case ProviderDeepSeek:
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Name,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating deepseek chat model: %w", err)
		}
		return chatModel, nil

	case ProviderArk:
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Name,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
			Timeout:     &timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating ark chat model: %w", err)
		}
		return chatModel, nil
	}

	return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
}
