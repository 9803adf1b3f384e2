package api

import (
	"net/http"
	"strings"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

// requireCaller reads the identity headers set by the gateway. Requests without a user id are
// rejected before reaching a handler.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(consts.HeaderUserID))
		if userID == "" {
			writeErr(w, http.StatusUnauthorized, "missing caller identity")
			return
		}
		caller := model.Caller{
			UserID: userID,
			Role:   strings.ToLower(strings.TrimSpace(r.Header.Get(consts.HeaderUserRole))),
		}
		next.ServeHTTP(w, r.WithContext(model.WithCaller(r.Context(), caller)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := model.CallerFrom(r.Context())
		if !ok {
			writeErr(w, http.StatusUnauthorized, "missing caller identity")
			return
		}
		if !caller.IsAdmin() {
			writeErr(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerOf(r *http.Request) model.Caller {
	c, _ := model.CallerFrom(r.Context())
	return c
}
