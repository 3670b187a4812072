package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ownerIDKey contextKey = "owner_id"

// OwnerHeader carries the owner resolved by the authenticating gateway in
// front of this service.
const OwnerHeader = "X-Owner-ID"

func OwnerIDFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerIDKey).(string)
	return ownerID, ok && ownerID != ""
}

func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// Owner rejects requests without an owner. Browsers cannot set headers on
// websocket handshakes, so the owner_id query parameter is accepted too.
func Owner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if ownerID == "" {
			ownerID = strings.TrimSpace(r.URL.Query().Get("owner_id"))
		}
		if ownerID == "" {
			http.Error(w, "missing owner", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
	})
}
