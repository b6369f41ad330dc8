package provider

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lkarlslund/tutorrouter/pkg/version"
)

const requestIDHeader = "X-Request-ID"

// requestIDTransport forwards the inbound request ID so upstream logs can be
// correlated with ours, and names us in User-Agent.
type requestIDTransport struct {
	base http.RoundTripper
}

func (rt requestIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", version.UserAgent())
	}
	if id := middleware.GetReqID(req.Context()); id != "" && out.Header.Get(requestIDHeader) == "" {
		out.Header.Set(requestIDHeader, id)
	}
	return base.RoundTrip(out)
}

func withRequestID(hc *http.Client) *http.Client {
	if _, ok := hc.Transport.(requestIDTransport); ok {
		return hc
	}
	wrapped := *hc
	wrapped.Transport = requestIDTransport{base: hc.Transport}
	return &wrapped
}
