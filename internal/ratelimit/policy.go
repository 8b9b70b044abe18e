package ratelimit

import (
	"context"

	"fanout/internal/metrics"
)

const (
	PolicyFlat          = "flat"
	PolicyAuthenticated = "authenticated"
	PolicyAnonymous     = "anonymous"
)

// FlatPolicy applies one window to every caller-supplied key, typically a
// client address.
type FlatPolicy struct {
	limiter *Limiter
	window  Window
}

func NewFlatPolicy(limiter *Limiter, w Window) (*FlatPolicy, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &FlatPolicy{limiter: limiter, window: w}, nil
}

func (p *FlatPolicy) Allow(ctx context.Context, key string) Result {
	res := p.limiter.Check(ctx, PolicyFlat+":"+key, p.window)
	metrics.RateLimitDecisions.WithLabelValues(PolicyFlat, metrics.Decision(res.Allowed), res.Mode).Inc()
	return res
}

// DifferentiatedPolicy gives authenticated principals their own namespace and
// a higher quota than anonymous callers keyed by address.
type DifferentiatedPolicy struct {
	limiter       *Limiter
	authenticated Window
	anonymous     Window
}

func NewDifferentiatedPolicy(limiter *Limiter, authenticated, anonymous Window) (*DifferentiatedPolicy, error) {
	if err := authenticated.validate(); err != nil {
		return nil, err
	}
	if err := anonymous.validate(); err != nil {
		return nil, err
	}
	return &DifferentiatedPolicy{
		limiter:       limiter,
		authenticated: authenticated,
		anonymous:     anonymous,
	}, nil
}

// Key returns the limiter key and policy label for a caller. An empty
// principal means anonymous.
func (p *DifferentiatedPolicy) Key(principal, addr string) (key, policy string) {
	if principal != "" {
		return PolicyAuthenticated + ":" + principal, PolicyAuthenticated
	}
	return PolicyAnonymous + ":" + addr, PolicyAnonymous
}

func (p *DifferentiatedPolicy) Allow(ctx context.Context, principal, addr string) Result {
	key, policy := p.Key(principal, addr)
	w := p.anonymous
	if policy == PolicyAuthenticated {
		w = p.authenticated
	}
	res := p.limiter.Check(ctx, key, w)
	metrics.RateLimitDecisions.WithLabelValues(policy, metrics.Decision(res.Allowed), res.Mode).Inc()
	return res
}
