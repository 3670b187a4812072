package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOwnerMissing(t *testing.T) {
	handler := Owner(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be called")
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeader, "   ")
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOwnerFromHeader(t *testing.T) {
	handler := Owner(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := OwnerIDFromContext(r.Context())
		if !ok || ownerID != "owner-1" {
			t.Fatalf("expected owner-1 in context")
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/?owner_id=someone-else", nil)
	req.Header.Set(OwnerHeader, "owner-1")
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestOwnerFromQuery(t *testing.T) {
	handler := Owner(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, _ := OwnerIDFromContext(r.Context())
		if ownerID != "owner-2" {
			t.Fatalf("expected owner-2, got %q", ownerID)
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/balances?owner_id=owner-2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
