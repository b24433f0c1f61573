package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/nwbflow/nwbflow/pkg/config"
)

// openAIProvider implements Provider using the OpenAI SDK. Both provider
// tokens go through it: "cloud" talks to the remote API with a bearer
// credential, "local" points the same wire protocol at an
// OpenAI-compatible endpoint such as an Ollama server.
type openAIProvider struct {
	client oai.Client
	model  string
}

func newOpenAIProvider(cfg config.LLMConfig) (*openAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	var opts []option.RequestOption
	switch cfg.Provider {
	case config.ProviderCloud:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: cloud provider requires an API credential")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
	case config.ProviderLocal:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm: local provider requires a base URL")
		}
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		if cfg.APIKey != "" {
			opts = append(opts, option.WithAPIKey(cfg.APIKey))
		}
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	return &openAIProvider{
		client: oai.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Complete implements Provider.
func (p *openAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemMessage != "" {
		messages = append(messages, oai.SystemMessage(req.SystemMessage))
	}
	messages = append(messages, oai.UserMessage(req.Prompt))

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    messages,
		Temperature: param.NewOpt(req.Temperature),
		TopP:        param.NewOpt(req.TopP),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyError maps a provider error onto the retry taxonomy. HTTP status
// codes drive the decision; anything network-shaped without a status is
// treated as transient.
func classifyError(err error) ErrorKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}

	var apierr *oai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return KindRateLimited
		case apierr.StatusCode == 408 || apierr.StatusCode >= 500:
			return KindTransient
		default:
			// Auth, unsupported model, malformed input.
			return KindPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}
