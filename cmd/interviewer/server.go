package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/interviewer/internal/config"
	"github.com/MrWong99/interviewer/internal/health"
	"github.com/MrWong99/interviewer/internal/observe"
	"github.com/MrWong99/interviewer/internal/session"
)

var errNoAPIKey = errors.New("no API key configured")

// sessionInfo is the part of [session.Client] exposed on the health endpoints.
type sessionInfo interface {
	State() session.State
	ID() string
}

// newHTTPHandler serves /metrics, /healthz and /readyz. Every request passes
// through the HTTP metrics middleware. extra checkers run after the built-in
// api_key and output_device checks.
func newHTTPHandler(cfg *config.Config, out interface{ Ready(context.Context) error }, s sessionInfo, m *observe.Metrics, metrics http.Handler, extra ...health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)

	var keyErr error
	if cfg.Providers.S2S.APIKey == "" {
		keyErr = errNoAPIKey
	}
	checks := append([]health.Checker{
		health.Static("api_key", keyErr),
		{Name: "output_device", Check: out.Ready},
	}, extra...)
	h := health.New(checks...).WithInfo(func() map[string]string {
		info := map[string]string{"session_state": s.State().String()}
		if id := s.ID(); id != "" {
			info["session_id"] = id
		}
		return info
	})
	h.Register(mux)

	return observe.Middleware(m)(mux)
}
