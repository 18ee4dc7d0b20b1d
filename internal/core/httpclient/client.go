// Package httpclient configures the HTTP client used for remote archive reads.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

type Options struct {
	// Timeout bounds a whole exchange; per-tile deadlines come from the
	// request context.
	Timeout   time.Duration
	UserAgent string
}

// NewOutbound returns a client tuned for many small range requests against
// few hosts.
func NewOutbound(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tileplane"
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// archive bytes are compressed per tile already
		DisableCompression: true,
	}
	return &http.Client{
		Transport: &userAgent{next: transport, ua: opts.UserAgent},
		Timeout:   opts.Timeout,
	}
}

type userAgent struct {
	next http.RoundTripper
	ua   string
}

func (u *userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") != "" {
		return u.next.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	r.Header.Set("User-Agent", u.ua)
	return u.next.RoundTrip(r)
}
