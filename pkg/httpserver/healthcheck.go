package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

// CheckFunc reports whether a dependency is usable
type CheckFunc func(ctx context.Context) error

// HealthReport is the body written by the health handlers
type HealthReport struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

const (
	statusOK       = "ok"
	statusNotReady = "not_ready"
)

// LivenessHandler always answers 200 while the process serves requests
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, HealthReport{Status: statusOK, Timestamp: time.Now().UTC()})
	}
}

// ReadinessHandler runs every check concurrently with timeout and answers 503
// when any of them fails. Failed checks are reported by name.
func ReadinessHandler(log *slog.Logger, timeout time.Duration, checks map[string]CheckFunc) http.HandlerFunc {
	if log == nil {
		log = logger.Discard()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := make([]error, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = checks[name](ctx)
			}()
		}
		wg.Wait()

		report := HealthReport{Status: statusOK, Checks: make(map[string]string, len(names)), Timestamp: time.Now().UTC()}
		code := http.StatusOK
		for i, name := range names {
			if err := results[i]; err != nil {
				log.WarnContext(ctx, "readiness check failed", slog.String("check", name), logger.Error(err))
				report.Checks[name] = err.Error()
				report.Status = statusNotReady
				code = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = statusOK
		}
		writeReport(w, code, report)
	}
}

func writeReport(w http.ResponseWriter, code int, report HealthReport) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
