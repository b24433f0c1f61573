// Package llm wraps completion providers behind a single Generate call
// with per-agent sampling parameters and a bounded retry policy. Each
// agent process pins one provider for its lifetime.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/nwbflow/nwbflow/pkg/config"
)

// Request is one completion request as seen by a provider.
type Request struct {
	Prompt        string
	SystemMessage string
	Temperature   float64
	TopP          float64
	MaxTokens     int
}

// Provider generates a single completion. Implementations must honor ctx
// cancellation.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Caller is the surface agents program against. *Client implements it;
// tests substitute fakes.
type Caller interface {
	Generate(ctx context.Context, prompt, systemMessage string) (string, error)
}

// Client applies the agent's sampling parameters and retry policy around a
// Provider.
type Client struct {
	provider Provider
	cfg      config.LLMConfig

	// sleep and classify are injectable for tests.
	sleep    func(ctx context.Context, d time.Duration) error
	classify func(error) ErrorKind
}

// NewClient builds a client for the configured provider: cloud (bearer
// credential against a remote API) or local (OpenAI-compatible endpoint).
func NewClient(cfg config.LLMConfig) (*Client, error) {
	provider, err := newOpenAIProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewClientWithProvider(provider, cfg), nil
}

// NewClientWithProvider builds a client over a custom provider. Used by
// tests and by callers embedding their own backends.
func NewClientWithProvider(provider Provider, cfg config.LLMConfig) *Client {
	return &Client{
		provider: provider,
		cfg:      cfg,
		sleep:    sleepCtx,
		classify: classifyError,
	}
}

// Generate requests a completion, retrying rate-limit errors with
// exponential backoff (2^attempt seconds) and transient errors with linear
// backoff (1+attempt seconds), both capped at the configured attempt
// budget. Permanent errors surface immediately. Backoff sleeps are
// cancellation points.
func (c *Client) Generate(ctx context.Context, prompt, systemMessage string) (string, error) {
	req := Request{
		Prompt:        prompt,
		SystemMessage: systemMessage,
		Temperature:   c.cfg.Temperature,
		TopP:          c.cfg.TopP,
		MaxTokens:     c.cfg.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.RequestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		}
		content, err := c.provider.Complete(callCtx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return content, nil
		}

		// The caller giving up trumps any retry policy.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		kind := c.classify(err)
		if kind == KindPermanent {
			return "", fmt.Errorf("llm provider error: %w", err)
		}
		lastErr = err

		if attempt == c.cfg.MaxAttempts-1 {
			break
		}
		if err := c.sleep(ctx, backoffDelay(kind, attempt)); err != nil {
			return "", err
		}
	}
	return "", &CallFailedError{Attempts: c.cfg.MaxAttempts, LastErr: lastErr}
}

// backoffDelay returns the wait after the attempt-th failure (0-based).
func backoffDelay(kind ErrorKind, attempt int) time.Duration {
	if kind == KindRateLimited {
		return time.Duration(1<<uint(attempt)) * time.Second
	}
	return time.Duration(1+attempt) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
