package api

import (
	"net/http"

	"github.com/Fi44er/wallet_ledger/internal/identity"
)

// RequireRole authenticates the bearer token and checks its role claim.
func (h *Handlers) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := h.verifier.Verify(r.Header.Get("Authorization"))
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			if id.Role != role {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "insufficient role"})
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
		})
	}
}
