package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/interviewer/pkg/provider/s2s"
)

// GuardedProvider is an [s2s.Provider] whose Connect passes through a
// [Breaker]. Sessions returned by a successful Connect are not wrapped.
type GuardedProvider struct {
	s2s.Provider
	breaker *Breaker
}

// GuardS2S wraps p with b.
func GuardS2S(p s2s.Provider, b *Breaker) *GuardedProvider {
	return &GuardedProvider{Provider: p, breaker: b}
}

// Breaker returns the breaker guarding Connect.
func (g *GuardedProvider) Breaker() *Breaker { return g.breaker }

// Connect opens a session unless the breaker is open. A Connect abandoned
// because ctx ended is not counted as a backend failure.
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var (
		h       s2s.SessionHandle
		callErr error
	)
	err := g.breaker.Do(func() error {
		h, callErr = g.Provider.Connect(ctx, cfg)
		if callErr != nil && ctx.Err() != nil && errors.Is(callErr, ctx.Err()) {
			return nil
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return h, callErr
}
