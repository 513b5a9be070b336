package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/store"
)

type contextKey string

const identityKey contextKey = "identity"

// identity is what the middleware resolved for this request: an
// authenticated user, an anonymous session cart id, or both (right after
// sign-in, before the next request).
type identity struct {
	UserID        int64
	Role          string
	SessionCartID string
}

func (id identity) cartOwner() store.OwnerKey {
	if id.UserID != 0 {
		return store.OwnerKey{UserID: id.UserID}
	}
	return store.OwnerKey{SessionCartID: id.SessionCartID}
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey).(identity)
	return id
}

const sessionCartCookie = "session_cart_id"

// resolveIdentity parses the bearer token when present and guarantees every
// visitor carries a session cart id cookie, so add-to-cart works before
// sign-in.
func (s *server) resolveIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id identity

		if cookie, err := r.Cookie(sessionCartCookie); err == nil && cookie.Value != "" {
			id.SessionCartID = cookie.Value
		} else {
			id.SessionCartID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCartCookie,
				Value:    id.SessionCartID,
				Path:     "/",
				HttpOnly: true,
			})
		}

		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			claims, err := s.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
			if err == nil {
				id.UserID = claims.UserID
				id.Role = claims.Role
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (s *server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if identityFrom(r.Context()).UserID == 0 {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func (s *server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if identityFrom(r.Context()).Role != models.RoleAdmin {
			respondError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	})
}
