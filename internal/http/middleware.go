package http

import (
	"context"
	"net/http"

	"github.com/fjod/tienda-cart/pkg/logger"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	SessionCookie = "tienda_session"
	SessionHeader = "X-Session-ID"
)

type sessionKey struct{}

// SessionMiddleware identifies the cart owner. The X-Session-ID header wins
// over the cookie; a browser without either gets a fresh cookie. Session ids
// are uuids, a malformed header is rejected.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sessionID string
		if header := r.Header.Get(SessionHeader); header != "" {
			id, err := uuid.Parse(header)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_session", SessionHeader+" must be a uuid")
				return
			}
			sessionID = id.String()
		} else if c, err := r.Cookie(SessionCookie); err == nil {
			if id, err := uuid.Parse(c.Value); err == nil {
				sessionID = id.String()
			}
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sessionID,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// RequestIDMiddleware echoes the request id and hands it to the logger.
// It runs after chi's middleware.RequestID, whose id it reuses.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(middleware.RequestIDHeader)
		if requestID == "" {
			requestID = middleware.GetReqID(r.Context())
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(middleware.RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), requestID)))
	})
}
