package quotarouter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultMaxAttempts   = 3
	defaultInvokeTimeout = 60 * time.Second
)

// Dispatcher routes chat requests across quota-limited providers with
// failover.
type Dispatcher struct {
	registry  *Registry
	tracker   *UsageTracker
	selector  *Selector
	cooldowns *CooldownTracker
	providers map[string]Provider

	policy        Policy
	meter         Meter
	logger        zerolog.Logger
	now           func() time.Time
	maxAttempts   int
	cooldown      time.Duration
	invokeTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy sets the ranking policy.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

// WithCooldownTracker sets the cooldown tracker.
func WithCooldownTracker(c *CooldownTracker) Option {
	return func(d *Dispatcher) { d.cooldowns = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the time source used for window and cooldown math.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithMaxAttempts sets the default bound on select/invoke cycles per call.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithCooldown sets how long a provider is excluded after a transient failure.
func WithCooldown(dur time.Duration) Option {
	return func(d *Dispatcher) { d.cooldown = dur }
}

// WithInvokeTimeout bounds each provider invocation.
func WithInvokeTimeout(dur time.Duration) Option {
	return func(d *Dispatcher) { d.invokeTimeout = dur }
}

// NewDispatcher creates a Dispatcher. Every provider in the registry must
// have a client in providers.
func NewDispatcher(registry *Registry, store CounterStore, providers []Provider, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("quotarouter: registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("quotarouter: counter store is required")
	}

	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		provMap[p.ID()] = p
	}
	for _, desc := range registry.List() {
		if _, ok := provMap[desc.ID]; !ok {
			return nil, fmt.Errorf("quotarouter: no client for provider %q", desc.ID)
		}
	}

	d := &Dispatcher{
		registry:  registry,
		providers: provMap,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	// Apply defaults after options.
	if d.cooldowns == nil {
		d.cooldowns = NewCooldownTracker()
	}
	if d.meter == nil {
		d.meter = noopMeter{}
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.cooldown <= 0 {
		d.cooldown = defaultCooldown
	}
	if d.invokeTimeout <= 0 {
		d.invokeTimeout = defaultInvokeTimeout
	}

	d.tracker = NewUsageTracker(store, registry)
	d.selector = NewSelector(registry, d.tracker, d.cooldowns, d.policy)

	return d, nil
}

// Registry returns the provider registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Tracker returns the usage tracker.
func (d *Dispatcher) Tracker() *UsageTracker { return d.tracker }

// Cooldowns returns the cooldown tracker.
func (d *Dispatcher) Cooldowns() *CooldownTracker { return d.cooldowns }

// Dispatch selects a provider with capacity, invokes it and fails over on
// transient errors until the request succeeds or maxAttempts invocations
// have been made. Failures are always returned as *DispatchError.
//
// Quota is charged per attempt: a reservation is released only when the
// call is abandoned before the provider is invoked.
func (d *Dispatcher) Dispatch(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	dispatchID := uuid.New().String()
	start := d.now()

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.maxAttempts
	}

	var (
		tried        = make(map[string]struct{})
		skipped      []Skip
		attempts     int
		lastProvider string
		lastErr      error
	)

	fail := func(reason error) (ChatResponse, error) {
		derr := &DispatchError{
			Reason:     reason,
			ProviderID: lastProvider,
			Attempts:   attempts,
			Skipped:    skipped,
			Err:        lastErr,
		}
		d.logger.Warn().
			Str("dispatch_id", dispatchID).
			Str("reason", ReasonCode(reason)).
			Int("attempts", attempts).
			Err(lastErr).
			Msg("dispatch failed")
		d.meter.OnDispatch(DispatchRecord{
			ID:         dispatchID,
			ProviderID: lastProvider,
			Success:    false,
			Latency:    d.now().Sub(start),
			Attempts:   attempts,
			Timestamp:  d.now(),
			Reason:     ReasonCode(reason),
		})
		return ChatResponse{}, derr
	}

	if len(req.Messages) == 0 {
		return fail(ErrInvalidRequest)
	}

	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			return fail(ErrDispatchCanceled)
		}

		// SELECTING: selection reserves capacity as part of choosing.
		sel, err := d.selector.Select(ctx, d.now(), tried)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return fail(ErrDispatchCanceled)
			}
			return fail(ErrQuotaStore)
		}
		skipped = mergeSkips(skipped, sel.Skipped)

		if sel.Exhausted() {
			if lastErr != nil {
				// Everything left after a transient failure is cooling or full.
				return fail(ErrUpstreamUnavailable)
			}
			return fail(ErrAllProvidersExhausted)
		}

		// RESERVED: a caller that left before invocation gets its charge back.
		if err := ctx.Err(); err != nil {
			if rerr := d.tracker.Release(context.WithoutCancel(ctx), sel.Reservation, d.now()); rerr != nil {
				d.logger.Error().Err(rerr).Str("provider", sel.ProviderID).Msg("release reservation")
			}
			lastErr = err
			return fail(ErrDispatchCanceled)
		}

		// INVOKING
		attempts++
		tried[sel.ProviderID] = struct{}{}
		lastProvider = sel.ProviderID

		resp, dur, err := d.invoke(ctx, d.providers[sel.ProviderID], req)
		if err == nil {
			d.meter.OnAttempt(AttemptEvent{
				DispatchID: dispatchID,
				ProviderID: sel.ProviderID,
				AttemptNum: attempts,
				Result:     AttemptSuccess,
				Duration:   dur,
			})

			now := d.now()
			d.meter.OnDispatch(DispatchRecord{
				ID:         dispatchID,
				ProviderID: sel.ProviderID,
				Success:    true,
				Latency:    now.Sub(start),
				Attempts:   attempts,
				Timestamp:  now,
			})
			d.logger.Debug().
				Str("dispatch_id", dispatchID).
				Str("provider", sel.ProviderID).
				Int("attempts", attempts).
				Dur("latency", dur).
				Msg("dispatch succeeded")

			return ChatResponse{
				ID:         dispatchID,
				Reply:      resp.Content,
				ProviderID: sel.ProviderID,
				Model:      resp.Model,
				Timestamp:  now,
				Attempts:   attempts,
				Latency:    dur,
				Skipped:    skipped,
			}, nil
		}

		lastErr = err
		event := AttemptEvent{
			DispatchID: dispatchID,
			ProviderID: sel.ProviderID,
			AttemptNum: attempts,
			Duration:   dur,
			Error:      err,
		}

		switch {
		case ctx.Err() != nil:
			// The call reached the provider, so the charge stands.
			event.Result = AttemptCanceled
			d.meter.OnAttempt(event)
			return fail(ErrDispatchCanceled)

		case IsFatal(err):
			event.Result = AttemptRejected
			d.meter.OnAttempt(event)
			return fail(ErrProviderRejected)

		default:
			event.Result = AttemptTransient
			d.meter.OnAttempt(event)
			until := d.now().Add(d.cooldown)
			d.cooldowns.Mark(sel.ProviderID, until)
			d.logger.Warn().
				Str("dispatch_id", dispatchID).
				Str("provider", sel.ProviderID).
				Int("attempt", attempts).
				Time("cooldown_until", until).
				Err(err).
				Msg("transient provider failure")
		}
	}

	return fail(ErrUpstreamUnavailable)
}

// invoke calls the provider under the invocation timeout. A timeout is
// reported as ErrProviderUnavailable so it is treated as transient.
func (d *Dispatcher) invoke(ctx context.Context, p Provider, req ChatRequest) (ProviderResponse, time.Duration, error) {
	ictx, cancel := context.WithTimeout(ctx, d.invokeTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.ChatCompletion(ictx, ProviderRequest{
		ProviderID: p.ID(),
		Messages:   req.Messages,
	})
	dur := time.Since(start)
	if resp.Latency > 0 {
		dur = resp.Latency
	}

	if err != nil && ctx.Err() == nil && errors.Is(ictx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: timed out after %s: %w", ErrProviderUnavailable, d.invokeTimeout, err)
	}
	return resp, dur, err
}

// Stats returns usage and cooldown state for every provider in registry order.
func (d *Dispatcher) Stats(ctx context.Context) ([]ProviderStats, error) {
	now := d.now()
	descs := d.registry.List()
	stats := make([]ProviderStats, 0, len(descs))

	for _, desc := range descs {
		usage, err := d.tracker.Peek(ctx, desc.ID, now)
		if err != nil {
			return nil, err
		}
		ps := ProviderStats{
			Descriptor:  desc,
			Usage:       usage,
			Utilization: usage.Utilization(),
		}
		if until, active := d.cooldowns.Until(desc.ID, now); active {
			ps.CooldownUntil = &until
		}
		stats = append(stats, ps)
	}

	return stats, nil
}

// Providers returns the registry listing.
func (d *Dispatcher) Providers() []ProviderDescriptor {
	return d.registry.List()
}

// mergeSkips appends skips not already recorded for the same provider and reason.
func mergeSkips(dst, src []Skip) []Skip {
	for _, s := range src {
		dup := false
		for _, e := range dst {
			if e.ProviderID == s.ProviderID && e.Reason == s.Reason {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}
