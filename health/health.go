package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

type Checker func(ctx context.Context) error

type CheckResult struct {
	Status     string `json:"status"` // "ok" or "fail"
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type Result struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker wraps a database handle with a short timeout.
func PingChecker(p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) error {
		if p == nil {
			return errors.New("not initialized")
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.PingContext(ctx)
	}
}

func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, Result{
			Status: "ok",
			Checks: map[string]CheckResult{"process": {Status: "ok"}},
		})
	}
}

// ReadinessHandler runs every check concurrently and answers 503 if any of
// them fails.
func ReadinessHandler(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		res := Run(ctx, checks)
		status := http.StatusOK
		if res.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		write(w, status, res)
	}
}

// Run executes checks concurrently and aggregates their outcome.
func Run(ctx context.Context, checks map[string]Checker) Result {
	res := Result{Status: "ok", Checks: make(map[string]CheckResult, len(checks))}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn Checker) {
			defer wg.Done()
			start := time.Now()
			err := fn(ctx)
			cr := CheckResult{Status: "ok", DurationMs: time.Since(start).Milliseconds()}
			if err != nil {
				cr.Status = "fail"
				cr.Error = err.Error()
			}

			mu.Lock()
			res.Checks[name] = cr
			if err != nil {
				res.Status = "fail"
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()
	return res
}

func write(w http.ResponseWriter, status int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
