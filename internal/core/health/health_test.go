package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type reporter struct {
	ready bool
	parts []int32
}

func (r reporter) Readiness() (bool, []int32) { return r.ready, r.parts }

func TestReadiness(t *testing.T) {
	loaded := func() (int, error) { return 3, nil }
	empty := func() (int, error) { return 0, errors.New("no sources loaded") }

	cases := []struct {
		name    string
		sources SourcesCheck
		rr      ReadinessReporter
		code    int
		body    string
	}{
		{"sources only", loaded, nil, http.StatusOK, `"status":"ready","sources":3`},
		{"no generation", empty, nil, http.StatusServiceUnavailable, `"error":"no sources loaded"`},
		{"consumer assigned", loaded, reporter{true, []int32{0, 1}}, http.StatusOK, `"partitions":[0,1]`},
		{"consumer waiting", loaded, reporter{}, http.StatusServiceUnavailable, `"status":"not_ready"`},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		Readiness(tc.sources, tc.rr)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != tc.code || !strings.Contains(rr.Body.String(), tc.body) {
			t.Fatalf("%s: code=%d body=%s", tc.name, rr.Code, rr.Body.String())
		}
	}
}
