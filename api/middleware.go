package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"conveyflow/auth"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		actorID, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		role, err := s.roles.ResolveRole(r.Context(), actorID)
		if err != nil {
			if errors.Is(err, auth.ErrProfileNotFound) {
				writeError(w, http.StatusForbidden, "no profile for this account")
				return
			}
			log.Printf("api: resolve role for %s: %v", actorID, err)
			writeError(w, http.StatusInternalServerError, "could not resolve role")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, actorID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) (string, auth.Role, bool) {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return id, role, id != "" && role != ""
}
