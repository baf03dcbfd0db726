package linkproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAllowCORS(t *testing.T) {
	h := allowCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))

	req := httptest.NewRequest("OPTIONS", "/api/sessions", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("preflight: HTTP %d want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin: %q", got)
	}

	req = httptest.NewRequest("GET", "/api/sessions", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 204 {
		t.Errorf("pass-through: HTTP %d want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header missing on pass-through: %q", got)
	}
}

func TestServerChainOrdering(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	srv := &server{
		chain: []func(http.Handler) http.Handler{mw("outer"), mw("inner")},
		final: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "final")
		}),
	}
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "final" {
		t.Errorf("chain order: %v", order)
	}
}
