// Package health serves the liveness and readiness probes.
package health

import (
	"encoding/json"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessReporter is implemented by the invalidation consumer.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// SourcesCheck returns the number of loaded sources or an error when no
// generation is active.
type SourcesCheck func() (int, error)

// Readiness is ready once sources are loaded and, when rr is set, the
// invalidation consumer owns partitions.
func Readiness(sources SourcesCheck, rr ReadinessReporter) http.HandlerFunc {
	type resp struct {
		Status     string  `json:"status"`
		Sources    int     `json:"sources"`
		Error      string  `json:"error,omitempty"`
		Partitions []int32 `json:"partitions,omitempty"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		out := resp{Status: "ready"}
		ready := true
		if sources != nil {
			n, err := sources()
			out.Sources = n
			if err != nil {
				ready = false
				out.Error = err.Error()
			}
		}
		if rr != nil {
			ok, parts := rr.Readiness()
			out.Partitions = parts
			ready = ready && ok
		}
		if !ready {
			out.Status = "not_ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
