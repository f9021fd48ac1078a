package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"sessiond/internal/lib/jwt"
	"sessiond/internal/lib/logger/sl"
	"sessiond/internal/services/session"

	"github.com/google/uuid"
)

const refreshCookie = "refreshToken"

type Sessions interface {
	SignUp(ctx context.Context, name, email, password, ip, userAgent string) (session.Session, error)
	Login(ctx context.Context, email, password string, rememberMe bool, ip, userAgent string) (session.Session, error)
	Refresh(ctx context.Context, rawToken, ip, userAgent string) (session.Session, error)
	Logout(ctx context.Context, rawToken string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, rawToken, newPassword string) error
	ChangePassword(ctx context.Context, userUUID uuid.UUID, currentPassword, newPassword string) error
	GoogleSignIn(ctx context.Context, idToken string, rememberMe bool, ip, userAgent string) (session.Session, error)
}

type Server struct {
	log        *slog.Logger
	sessions   Sessions
	tokens     *jwt.Manager
	env        string
	corsOrigin string
	timeout    time.Duration
}

func New(log *slog.Logger, sessions Sessions, tokens *jwt.Manager, env, corsOrigin string, timeout time.Duration) *Server {
	return &Server{
		log:        log,
		sessions:   sessions,
		tokens:     tokens,
		env:        env,
		corsOrigin: corsOrigin,
		timeout:    timeout,
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/api/forgot-password", s.handleForgotPassword).Methods(http.MethodPost)
	r.HandleFunc("/api/reset-password", s.handleResetPassword).Methods(http.MethodPost)
	r.HandleFunc("/api/google", s.handleGoogleSignIn).Methods(http.MethodPost)
	r.Handle("/api/change-password", s.requireAuth(http.HandlerFunc(s.handleChangePassword))).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return c.Handler(r)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	type req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	var body req
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.Name == "" || body.Email == "" || body.Password == "" {
		writeErr(w, http.StatusBadRequest, "name, email and password are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sess, err := s.sessions.SignUp(ctx, body.Name, strings.TrimSpace(body.Email), body.Password, clientIP(r), r.UserAgent())
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}

	s.setRefreshCookie(w, sess.RefreshToken, sess.RefreshTTL)
	writeJSON(w, http.StatusCreated, map[string]any{
		"accessToken": sess.AccessToken,
		"userId":      sess.User.UUID.String(),
		"role":        sess.User.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	type req struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		RememberMe bool   `json:"rememberMe"`
	}
	var body req
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.Email == "" || body.Password == "" {
		writeErr(w, http.StatusBadRequest, "email and password are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sess, err := s.sessions.Login(ctx, strings.TrimSpace(body.Email), body.Password, body.RememberMe, clientIP(r), r.UserAgent())
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}

	s.setRefreshCookie(w, sess.RefreshToken, sess.RefreshTTL)
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": sess.AccessToken,
		"userId":      sess.User.UUID.String(),
		"role":        sess.User.Role,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		writeErr(w, http.StatusUnauthorized, "no refresh token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sess, err := s.sessions.Refresh(ctx, c.Value, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, session.ErrInvalidRefreshToken) {
			s.clearRefreshCookie(w)
		}
		s.writeServiceErr(w, err)
		return
	}

	s.setRefreshCookie(w, sess.RefreshToken, sess.RefreshTTL)
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": sess.AccessToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		_ = s.sessions.Logout(ctx, c.Value)
	}

	s.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	type req struct {
		Email string `json:"email"`
	}
	var body req
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.Email == "" {
		writeErr(w, http.StatusBadRequest, "email is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.sessions.ForgotPassword(ctx, strings.TrimSpace(body.Email)); err != nil {
		s.writeServiceErr(w, err)
		return
	}

	// same answer whether or not the account exists
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "if the account exists, a reset link has been sent",
	})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	type req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	var body req
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.Token == "" || body.Password == "" {
		writeErr(w, http.StatusBadRequest, "token and password are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.sessions.ResetPassword(ctx, body.Token, body.Password); err != nil {
		s.writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": "password updated"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFromContext(r.Context())
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "invalid token")
		return
	}

	type req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	var body req
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.CurrentPassword == "" || body.NewPassword == "" {
		writeErr(w, http.StatusBadRequest, "currentPassword and newPassword are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.sessions.ChangePassword(ctx, claims.UserUUID, body.CurrentPassword, body.NewPassword); err != nil {
		s.writeServiceErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoogleSignIn(w http.ResponseWriter, r *http.Request) {
	type req struct {
		IDToken    string `json:"idToken"`
		RememberMe bool   `json:"rememberMe"`
	}
	var body req
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.IDToken == "" {
		writeErr(w, http.StatusBadRequest, "idToken is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sess, err := s.sessions.GoogleSignIn(ctx, body.IDToken, body.RememberMe, clientIP(r), r.UserAgent())
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}

	s.setRefreshCookie(w, sess.RefreshToken, sess.RefreshTTL)
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": sess.AccessToken,
		"userId":      sess.User.UUID.String(),
		"role":        sess.User.Role,
	})
}

// writeServiceErr maps typed service errors to stable status codes; anything
// unexpected is logged and reported as a generic 500.
func (s *Server) writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUserExists):
		writeErr(w, http.StatusConflict, "user already exists")
	case errors.Is(err, session.ErrInvalidCredentials):
		writeErr(w, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, session.ErrInvalidRefreshToken):
		writeErr(w, http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, session.ErrInvalidResetToken):
		writeErr(w, http.StatusBadRequest, "invalid or expired token")
	case errors.Is(err, session.ErrInvalidExternalToken):
		writeErr(w, http.StatusUnauthorized, "invalid token")
	default:
		s.log.Error("request failed", sl.Err(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, raw string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.env == "prod",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.env == "prod",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
