package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	cases := map[string]struct {
		incoming string
		keep     bool
	}{
		"propagates a usable id":     {incoming: "req-incoming-123", keep: true},
		"generates when missing":     {incoming: ""},
		"replaces ids with spaces":   {incoming: "has spaces\tand tabs"},
		"replaces over-long ids":     {incoming: strings.Repeat("a", maxRequestIDBytes+1)},
		"replaces non-ascii ids":     {incoming: "réq-1"},
		"accepts the maximum length": {incoming: strings.Repeat("b", maxRequestIDBytes), keep: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var seen string
			handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromRequest(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.incoming != "" {
				req.Header.Set("X-Request-Id", tc.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" || rec.Header().Get("X-Request-Id") != seen {
				t.Fatalf("context id %q and header %q should match and be set", seen, rec.Header().Get("X-Request-Id"))
			}
			if tc.keep != (seen == tc.incoming) {
				t.Fatalf("keep=%v but got %q for incoming %q", tc.keep, seen, tc.incoming)
			}
		})
	}
}

func TestRequestIDFromRequestWithoutMiddleware(t *testing.T) {
	if got := RequestIDFromRequest(nil); got != "" {
		t.Fatalf("nil request gave %q", got)
	}
	if got := RequestIDFromRequest(httptest.NewRequest(http.MethodGet, "/", nil)); got != "" {
		t.Fatalf("bare request gave %q", got)
	}
}
