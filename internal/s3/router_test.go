package s3

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouterHealthEndpoint(t *testing.T) {
	router := NewRouter(RouterConfig{ServiceHost: "s3.example.com"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Fatalf("expected body 'OK', got %q", rec.Body.String())
	}
}

func TestRouterDispatchesToHandler(t *testing.T) {
	var gotOp Operation
	router := NewRouter(RouterConfig{
		ServiceHost: "s3.example.com",
		Handler: func(w http.ResponseWriter, r *http.Request, target RequestTarget, op Operation) {
			gotOp = op
			w.WriteHeader(http.StatusOK)
		},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/my-bucket/key", nil)
	router.ServeHTTP(rec, req)

	if gotOp != OperationGetObject {
		t.Fatalf("expected GetObject, got %s", gotOp)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header to be set")
	}
}
