// Package mock provides a scriptable Provider for tests and local runs.
package mock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ineyio/quotarouter"
)

// Provider is a mock upstream for testing.
type Provider struct {
	id           string
	model        string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	responseFunc func(quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error)
}

var _ quotarouter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider serving registry id.
func New(id string, opts ...Option) *Provider {
	p := &Provider{
		id:    id,
		model: "mock-model",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithModel sets the model reported in responses.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) ChatCompletion(ctx context.Context, req quotarouter.ProviderRequest) (quotarouter.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return quotarouter.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return quotarouter.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return quotarouter.ProviderResponse{}, quotarouter.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return quotarouter.ProviderResponse{
		ID:      fmt.Sprintf("%s-%d", p.id, count),
		Content: "Hello from " + p.id,
		Model:   p.model,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }
