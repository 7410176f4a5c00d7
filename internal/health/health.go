// Package health serves the liveness and readiness probes of the interviewer.
//
// GET /healthz answers 200 for as long as the process can serve HTTP. GET
// /readyz runs every registered [Checker] and answers 503 if any of them
// fails, which is the case when no API key is configured, no output device
// can be opened or the connect breaker is open. Both bodies are a JSON
// [Report]; the optional info map carries the session snapshot.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckTimeout bounds a single readiness check.
const CheckTimeout = 5 * time.Second

// Checker is one named readiness condition. Check returns nil when the
// condition holds and must give up when ctx is done.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Static returns a checker whose outcome was decided at startup.
func Static(name string, err error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return err }}
}

// InfoFunc returns key/value pairs attached to every report. It is called
// from HTTP handler goroutines.
type InfoFunc func() map[string]string

// Report is the body of both probe responses. Checks maps each checker name
// to "ok" or "fail: <reason>".
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Info   map[string]string `json:"info,omitempty"`
}

// Ready reports whether every check passed.
func (r Report) Ready() bool { return r.Status == "ok" }

// Handler evaluates a fixed list of checkers.
type Handler struct {
	checkers []Checker
	info     InfoFunc
}

// New returns a handler for the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// WithInfo attaches fn's output to every report and returns h.
func (h *Handler) WithInfo(fn InfoFunc) *Handler {
	h.info = fn
	return h
}

// Evaluate runs all checkers concurrently, each under [CheckTimeout], and
// collects the outcome.
func (h *Handler) Evaluate(ctx context.Context) Report {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]string, len(h.checkers)), Info: h.snapshot()}
	for i, c := range h.checkers {
		if errs[i] != nil {
			rep.Checks[c.Name] = "fail: " + errs[i].Error()
			rep.Status = "fail"
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	return rep
}

func (h *Handler) snapshot() map[string]string {
	if h.info == nil {
		return nil
	}
	return h.info()
}

// Healthz always answers 200 with the info snapshot.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: "ok", Info: h.snapshot()})
}

// Readyz answers 200 when [Handler.Evaluate] passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if !rep.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeReport(w, status, rep)
}

// Register routes GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, status int, rep Report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
