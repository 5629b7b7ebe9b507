package llm

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/wolfman30/clinic-voice-agent/internal/config"
	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

// NewFromConfig builds the configured provider, wrapped with the fallback
// provider when one is set.
func NewFromConfig(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *logging.Logger) (StreamingClient, error) {
	primary, err := newProvider(ctx, cfg.LLMProvider, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	if cfg.LLMFallbackProvider == "" || cfg.LLMFallbackProvider == cfg.LLMProvider {
		return primary, nil
	}
	fallback, err := newProvider(ctx, cfg.LLMFallbackProvider, cfg, awsCfg)
	if err != nil {
		return nil, fmt.Errorf("llm: fallback provider: %w", err)
	}
	logger.Info("llm fallback configured", "primary", cfg.LLMProvider, "fallback", cfg.LLMFallbackProvider)
	return NewFallbackClient(primary, fallback, logger), nil
}

func newProvider(ctx context.Context, name string, cfg *config.Config, awsCfg aws.Config) (StreamingClient, error) {
	switch name {
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case config.ProviderAzure:
		return NewAzureOpenAIClient(cfg.AzureOpenAIEndpoint, cfg.AzureOpenAIAPIKey, cfg.AzureOpenAIDeploy, cfg.AzureOpenAIVersion), nil
	case config.ProviderBedrock:
		return NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), nil
	case config.ProviderGemini:
		client, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", name)
	}
}
