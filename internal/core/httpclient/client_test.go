package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewOutbound_SetsUserAgentAndTimeout(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	c := NewOutbound(Options{UserAgent: "tileplane/test"})
	if c.Timeout != 30*time.Second {
		t.Fatalf("timeout=%v", c.Timeout)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Range", "bytes=0-126")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got != "tileplane/test" || resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("ua=%q status=%d", got, resp.StatusCode)
	}
	if req.Header.Get("User-Agent") != "" {
		t.Fatalf("caller request was mutated")
	}
}
