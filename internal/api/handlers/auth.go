package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/api/middleware"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/hms"
	"github.com/clinicdesk/opd-console/internal/session"
)

// CookieConfig describes the session cookie
type CookieConfig struct {
	Name   string
	Secure bool
}

// AuthHandler handles login, logout and session restore
type AuthHandler struct {
	sessions *session.Manager
	cookie   CookieConfig
	logger   *zap.Logger
}

// NewAuthHandler creates a new handler
func NewAuthHandler(sessions *session.Manager, cookie CookieConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, cookie: cookie, logger: logger}
}

// Routes returns the handler routes
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Get("/me", h.Me)
	return r
}

// LoginRequest is the login form
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse describes the logged-in user
type SessionResponse struct {
	User      hms.User  `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, s *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if form.IsValidation(err) {
			writeError(w, err, session.MsgLoginFailed)
			return
		}
		code := statusOf(err)
		var apiErr *hms.APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			code = http.StatusUnauthorized
		}
		jsonError(w, hms.MessageOf(err, session.MsgLoginFailed), code)
		return
	}

	h.setCookie(w, s)
	h.logger.Info("login",
		zap.String("user_id", s.User.ID.String()),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	jsonResponse(w, SessionResponse{User: s.User, ExpiresAt: s.ExpiresAt}, http.StatusOK)
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.cookie.Name); err == nil && c.Value != "" {
		if err := h.sessions.Logout(r.Context(), c.Value); err != nil {
			h.logger.Error("logout failed", zap.Error(err))
			jsonError(w, "logout failed", http.StatusInternalServerError)
			return
		}
	}
	h.clearCookie(w)
	jsonResponse(w, map[string]string{"status": "logged_out"}, http.StatusOK)
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	var id string
	if c, err := r.Cookie(h.cookie.Name); err == nil {
		id = c.Value
	}
	s, err := h.sessions.Restore(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			if id != "" {
				h.clearCookie(w)
			}
			jsonError(w, "login required", http.StatusUnauthorized)
			return
		}
		h.logger.Error("session restore failed", zap.Error(err))
		jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, SessionResponse{User: s.User, ExpiresAt: s.ExpiresAt}, http.StatusOK)
}
