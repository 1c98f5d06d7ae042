package console

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mooconsole/internal/session"
)

type ctxKey int

const (
	receivedAtKey ctxKey = iota
	sessionKey
)

// receivedAt stamps the request with its arrival time so the dispatch timing
// breakdown includes time spent in middleware and the worker queue.
func (s *Server) receivedAt(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), receivedAtKey, s.now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func receivedAtFrom(ctx context.Context, fallback time.Time) time.Time {
	if t, ok := ctx.Value(receivedAtKey).(time.Time); ok {
		return t
	}
	return fallback
}

// sweep reclaims isolation contexts past the idle timeout before any request
// is handled. Sessions of swept users are revoked with them.
func (s *Server) sweep(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		swept := s.cfg.Contexts.SweepIdle(s.now(), s.cfg.IdleTimeout)
		for _, user := range swept {
			n := s.cfg.Sessions.RevokeUser(user)
			s.logger.Printf("swept idle context for %s (%d session(s) revoked)", user, n)
		}
		if len(swept) > 0 {
			s.cfg.Metrics.sweptContexts.Add(float64(len(swept)))
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession rejects requests without a live session cookie.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessionFromRequest(r)
		if err != nil {
			if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, http.ErrNoCookie) {
				s.logger.Printf("session lookup: %v", err)
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"message": "Authentication required",
			})
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) sessionFromRequest(r *http.Request) (session.Session, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return session.Session{}, err
	}
	return s.cfg.Sessions.Lookup(cookie.Value)
}

func sessionFrom(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(session.Session)
	return sess, ok
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
