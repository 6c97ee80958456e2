package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func serve(h http.Handler, path string) {
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/documents/{title}", func(w http.ResponseWriter, r *http.Request) {})
	h := Middleware(mux)

	route := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/documents/{title}", "200")
	before := testutil.ToFloat64(route)
	series := testutil.CollectAndCount(httpRequestsTotal)

	for _, title := range []string{"a.js", "b.js", "c.js"} {
		serve(h, "/api/v1/documents/"+title)
	}

	if got := testutil.ToFloat64(route) - before; got != 3 {
		t.Errorf("expected 3 requests on the route label, got %v", got)
	}
	if got := testutil.CollectAndCount(httpRequestsTotal); got != series {
		t.Errorf("expected no new series per title, had %d now %d", series, got)
	}
}

func TestMiddlewareUnmatchedRoute(t *testing.T) {
	h := Middleware(http.NewServeMux())
	unmatched := httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	before := testutil.ToFloat64(unmatched)

	serve(h, "/nope/1")
	serve(h, "/nope/2")

	if got := testutil.ToFloat64(unmatched) - before; got != 2 {
		t.Errorf("expected 2 unmatched requests, got %v", got)
	}
}
