package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbflow/nwbflow/pkg/config"
)

// scriptedProvider fails with err for the first failures calls, then
// succeeds with content.
type scriptedProvider struct {
	failures int
	err      error
	content  string

	calls []Request
}

func (p *scriptedProvider) Complete(_ context.Context, req Request) (string, error) {
	p.calls = append(p.calls, req)
	if len(p.calls) <= p.failures {
		return "", p.err
	}
	return p.content, nil
}

func testConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:    config.ProviderCloud,
		Model:       "test-model",
		Temperature: 0.3,
		TopP:        0.9,
		MaxTokens:   512,
		MaxAttempts: 5,
	}
}

// newTestClient injects a no-op sleeper that records the backoff schedule
// and a fixed classification.
func newTestClient(p Provider, kind ErrorKind) (*Client, *[]time.Duration) {
	c := NewClientWithProvider(p, testConfig())
	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	c.classify = func(error) ErrorKind { return kind }
	return c, &sleeps
}

func TestGenerateSuccess(t *testing.T) {
	p := &scriptedProvider{content: "hello"}
	c, _ := newTestClient(p, KindTransient)

	out, err := c.Generate(context.Background(), "prompt", "system")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	require.Len(t, p.calls, 1)
	assert.Equal(t, "prompt", p.calls[0].Prompt)
	assert.Equal(t, "system", p.calls[0].SystemMessage)
	assert.Equal(t, 0.3, p.calls[0].Temperature)
	assert.Equal(t, 0.9, p.calls[0].TopP)
	assert.Equal(t, 512, p.calls[0].MaxTokens)
}

func TestRateLimitBackoffIsExponential(t *testing.T) {
	p := &scriptedProvider{failures: 3, err: errors.New("429"), content: "ok"}
	c, sleeps := newTestClient(p, KindRateLimited)

	out, err := c.Generate(context.Background(), "p", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	// 2^0, 2^1, 2^2 seconds after the first three failures.
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}, *sleeps)
}

func TestTransientBackoffIsLinear(t *testing.T) {
	p := &scriptedProvider{failures: 3, err: errors.New("503"), content: "ok"}
	c, sleeps := newTestClient(p, KindTransient)

	_, err := c.Generate(context.Background(), "p", "")
	require.NoError(t, err)
	// 1+0, 1+1, 1+2 seconds.
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}, *sleeps)
}

func TestExhaustionReturnsCallFailed(t *testing.T) {
	lastErr := errors.New("still down")
	p := &scriptedProvider{failures: 99, err: lastErr}
	c, sleeps := newTestClient(p, KindTransient)

	_, err := c.Generate(context.Background(), "p", "")

	var failed *CallFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 5, failed.Attempts)
	assert.ErrorIs(t, failed, lastErr)
	assert.Len(t, p.calls, 5)
	// No sleep after the final attempt.
	assert.Len(t, *sleeps, 4)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	p := &scriptedProvider{failures: 99, err: errors.New("invalid model")}
	c, sleeps := newTestClient(p, KindPermanent)

	_, err := c.Generate(context.Background(), "p", "")
	require.Error(t, err)
	assert.Len(t, p.calls, 1)
	assert.Empty(t, *sleeps)
}

func TestCallerCancellationWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{failures: 99, err: errors.New("503")}
	c := NewClientWithProvider(p, testConfig())
	c.classify = func(error) ErrorKind { return KindTransient }
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Generate(ctx, "p", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, p.calls, 1)
}

func TestBackoffDelaySchedule(t *testing.T) {
	tests := []struct {
		kind    ErrorKind
		attempt int
		want    time.Duration
	}{
		{KindRateLimited, 0, 1 * time.Second},
		{KindRateLimited, 1, 2 * time.Second},
		{KindRateLimited, 2, 4 * time.Second},
		{KindRateLimited, 3, 8 * time.Second},
		{KindTransient, 0, 1 * time.Second},
		{KindTransient, 1, 2 * time.Second},
		{KindTransient, 2, 3 * time.Second},
		{KindTransient, 3, 4 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.kind, tt.attempt))
	}
}
