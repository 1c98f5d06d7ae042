package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"mooconsole/internal/appinsights"
	"mooconsole/internal/auth"
	"mooconsole/internal/dispatch"
	"mooconsole/internal/session"
)

// AdminRole may read every user's history.
const AdminRole = "admin"

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type logoutRequest struct {
	Elevate bool `json:"elevate"`
}

type executeRequest struct {
	Args    []string `json:"args"`
	Elevate bool     `json:"elevate"`
}

type searchRequest struct {
	APIKey    string `json:"apiKey"`
	AppID     string `json:"appId"`
	CommandID string `json:"commandId"`
	TimeRange string `json:"timeRange"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, success bool, msg string) {
	writeJSON(w, status, map[string]any{"success": success, "message": msg})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	_, err := s.sessionFromRequest(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"service":       "mooconsole",
		"authenticated": err == nil,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAdminLogin signs an operator in to the console. A previous session
// carried by the same browser is dropped first.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	remote := remoteHost(r)
	if !s.limiter.allow(remote) {
		s.cfg.Metrics.adminLogins.WithLabelValues("throttled").Inc()
		writeMessage(w, http.StatusTooManyRequests, false, "Too many login attempts, try again later")
		return
	}

	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}

	identity, err := s.cfg.Authenticator.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Printf("authenticate %q: %v", req.Username, err)
		}
		s.cfg.Metrics.adminLogins.WithLabelValues("failure").Inc()
		s.auditAdmin("admin_login", req.Username, remote, false, "deny", err)
		writeMessage(w, http.StatusUnauthorized, false, "Invalid credentials")
		return
	}

	if old, err := s.sessionFromRequest(r); err == nil {
		s.cfg.Sessions.Revoke(old.ID)
		prev := old.Identity.Username
		if prev != identity.Username && s.cfg.Sessions.CountUser(prev) == 0 {
			s.cfg.Contexts.DestroyContext(prev)
		}
	}

	if _, err := s.cfg.Contexts.CreateContext(identity.Username); err != nil {
		s.logger.Printf("create isolation context for %s: %v", identity.Username, err)
		s.cfg.Metrics.adminLogins.WithLabelValues("error").Inc()
		s.auditAdmin("admin_login", identity.Username, remote, false, "allow", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "Failed to prepare an isolated workspace",
			"kind":    dispatch.KindIsolationCreate,
		})
		return
	}

	sess, err := s.cfg.Sessions.Create(identity)
	if err != nil {
		s.logger.Printf("create session for %s: %v", identity.Username, err)
		s.cfg.Metrics.adminLogins.WithLabelValues("error").Inc()
		writeMessage(w, http.StatusInternalServerError, false, "Failed to create session")
		return
	}

	s.setSessionCookie(w, sess.ID)
	s.cfg.Metrics.adminLogins.WithLabelValues("success").Inc()
	s.auditAdmin("admin_login", identity.Username, remote, true, "allow", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Login successful",
		"user":    identity,
	})
}

// handleAdminLogout ends the session and tears down the user's isolation
// context. Calling it without a session is not an error.
func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if sess, err := s.sessionFromRequest(r); err == nil {
		s.cfg.Sessions.Revoke(sess.ID)
		s.cfg.Contexts.DestroyContext(sess.Identity.Username)
		s.auditAdmin("admin_logout", sess.Identity.Username, remoteHost(r), true, "allow", nil)
	}
	s.clearSessionCookie(w)
	writeMessage(w, http.StatusOK, true, "Logged out successfully")
}

func (s *Server) auditAdmin(op, user, remote string, success bool, decision string, err error) {
	entry := AuditEntry{
		Operation:  op,
		User:       user,
		Decision:   decision,
		Success:    success,
		RemoteAddr: remote,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := s.cfg.Audit.Log(entry); logErr != nil {
		s.logger.Printf("warning: %v", logErr)
	}
}

func (s *Server) handleMooLogin(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var opts dispatch.LoginOptions
	if err := decodeBody(w, r, &opts); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}
	resp := s.cfg.Dispatcher.Login(r.Context(), sess.Identity, opts, receivedAtFrom(r.Context(), s.now()))
	s.writeDispatch(w, sess, resp)
}

func (s *Server) handleMooLogout(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req logoutRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}
	resp := s.cfg.Dispatcher.Logout(r.Context(), sess.Identity, req.Elevate, receivedAtFrom(r.Context(), s.now()))
	s.writeDispatch(w, sess, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}
	resp := s.cfg.Dispatcher.Execute(r.Context(), sess.Identity, req.Args, req.Elevate, receivedAtFrom(r.Context(), s.now()))
	s.writeDispatch(w, sess, resp)
}

// writeDispatch renders a dispatch response. A vanished isolation context
// means the session is no longer usable, so it is dropped and the browser
// is sent back to sign in.
func (s *Server) writeDispatch(w http.ResponseWriter, sess session.Session, resp dispatch.Response) {
	status := http.StatusOK
	switch resp.Kind {
	case dispatch.KindSessionNotFound:
		s.cfg.Sessions.Revoke(sess.ID)
		s.clearSessionCookie(w)
		status = http.StatusUnauthorized
	case dispatch.KindNotPermitted:
		status = http.StatusForbidden
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSearchAppInsights(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, false, "Invalid request body")
		return
	}
	if req.APIKey == "" || req.AppID == "" || req.CommandID == "" {
		writeMessage(w, http.StatusBadRequest, false, "API Key, Application ID, and Command ID are required")
		return
	}

	creds := appinsights.Credentials{APIKey: req.APIKey, AppID: req.AppID}
	result, err := s.cfg.Insights.SearchCommand(r.Context(), creds, req.CommandID, req.TimeRange)
	switch {
	case errors.Is(err, appinsights.ErrInvalidRequest):
		writeMessage(w, http.StatusBadRequest, false, err.Error())
	case err != nil:
		writeMessage(w, http.StatusInternalServerError, false, "Error: "+err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

type statusResponse struct {
	Success  bool          `json:"success"`
	User     auth.Identity `json:"user"`
	Backend  string        `json:"backend,omitempty"`
	Uptime   float64       `json:"uptime_seconds"`
	Sessions int           `json:"sessions"`
	Contexts int           `json:"contexts"`
	InFlight int64         `json:"in_flight"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Success:  true,
		User:     sess.Identity,
		Backend:  s.cfg.Backend,
		Uptime:   s.now().Sub(s.started).Round(time.Second).Seconds(),
		Sessions: s.cfg.Sessions.Len(),
		Contexts: s.cfg.Contexts.Len(),
		InFlight: s.cfg.Dispatcher.InFlight(),
	})
}

// handleHistory returns recent audit entries. Admins see everyone's; other
// roles see only their own.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, false, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	admin := sess.Identity.Role == AdminRole
	readLimit := limit
	if !admin {
		readLimit = 0
	}
	entries, err := ReadAuditLog(s.cfg.Audit.Path(), readLimit)
	if err != nil {
		s.logger.Printf("read audit log: %v", err)
		writeMessage(w, http.StatusInternalServerError, false, "Failed to read history")
		return
	}

	if !admin {
		own := entries[:0]
		for _, e := range entries {
			if e.User == sess.Identity.Username {
				own = append(own, e)
			}
		}
		if len(own) > limit {
			own = own[len(own)-limit:]
		}
		entries = own
	}
	if entries == nil {
		entries = []AuditEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}
