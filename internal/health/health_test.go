package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func pass(name string) Checker { return Static(name, nil) }

func failing(name, reason string) Checker { return Static(name, errors.New(reason)) }

// serve routes req through a mux with h registered and decodes the report.
func serve(t *testing.T, h *Handler, req *http.Request) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	path := req.URL.Path

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("%s: decode report: %v", path, err)
	}
	return rec.Code, rep
}

func get(path string) *http.Request { return httptest.NewRequest(http.MethodGet, path, nil) }

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name:       "all pass",
			checkers:   []Checker{pass("api_key"), pass("output_device")},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"api_key": "ok", "output_device": "ok"},
		},
		{
			name:       "missing key",
			checkers:   []Checker{failing("api_key", "no API key configured"), pass("output_device")},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"api_key": "fail: no API key configured", "output_device": "ok"},
		},
		{
			name: "everything down",
			checkers: []Checker{
				failing("output_device", "no playback device"),
				failing("s2s_breaker", "circuit open"),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{
				"output_device": "fail: no playback device",
				"s2s_breaker":   "fail: circuit open",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, rep := serve(t, New(tt.checkers...), get("/readyz"))
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			wantReady := tt.wantStatus == http.StatusOK
			if rep.Ready() != wantReady {
				t.Errorf("report status = %q, want ready=%v", rep.Status, wantReady)
			}
			if len(rep.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", rep.Checks, tt.wantChecks)
			}
			for k, v := range tt.wantChecks {
				if rep.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, rep.Checks[k], v)
				}
			}
		})
	}
}

func TestHealthz_IgnoresFailingChecks(t *testing.T) {
	var ran atomic.Bool
	h := New(Checker{Name: "output_device", Check: func(context.Context) error {
		ran.Store(true)
		return errors.New("gone")
	}})

	code, rep := serve(t, h, get("/healthz"))
	if code != http.StatusOK || !rep.Ready() {
		t.Errorf("healthz = %d %q, want 200 ok", code, rep.Status)
	}
	if ran.Load() {
		t.Error("liveness probe ran readiness checks")
	}
	if rep.Checks != nil {
		t.Errorf("healthz carries checks: %v", rep.Checks)
	}
}

func TestEvaluate_RunsChecksConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(name string) Checker {
		return Checker{Name: name, Check: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}}
	}

	rep := New(slow("a"), slow("b"), slow("c")).Evaluate(context.Background())
	if !rep.Ready() {
		t.Fatalf("report = %+v", rep)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrent checks = %d, want > 1", peak.Load())
	}
}

func TestEvaluate_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "output_device", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, rep := serve(t, h, get("/readyz").WithContext(ctx))
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if rep.Checks["output_device"] != "fail: "+context.Canceled.Error() {
		t.Errorf("check = %q", rep.Checks["output_device"])
	}
}

func TestCheckerGetsDeadline(t *testing.T) {
	var left time.Duration
	h := New(Checker{Name: "d", Check: func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		left = time.Until(dl)
		return nil
	}})
	if rep := h.Evaluate(context.Background()); !rep.Ready() {
		t.Fatalf("report = %+v", rep)
	}
	if left <= 0 || left > CheckTimeout {
		t.Errorf("deadline in %v, want within (0, %v]", left, CheckTimeout)
	}
}

func TestInfo_AttachedToBothProbes(t *testing.T) {
	h := New(pass("api_key")).WithInfo(func() map[string]string {
		return map[string]string{"session_state": "CONNECTED", "session_id": "abc"}
	})
	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			_, rep := serve(t, h, get(path))
			if rep.Info["session_state"] != "CONNECTED" || rep.Info["session_id"] != "abc" {
				t.Errorf("info = %v", rep.Info)
			}
		})
	}
}
