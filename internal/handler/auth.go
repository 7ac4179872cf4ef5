package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/qafeedback/internal/i18n"
	"github.com/pavelanni/qafeedback/internal/model"
	"github.com/pavelanni/qafeedback/internal/store"
)

const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
	flashCookieName   = "flash"
)

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter) bool {
	token, err := generateCSRFToken()
	if err != nil {
		slog.Error("failed to generate CSRF token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

// csrfMiddleware implements the double-submit cookie pattern. Unsafe methods
// must echo the cookie in the X-CSRF-Token header or a csrf_token form field.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if c, err := r.Cookie(csrfCookieName); err != nil || c.Value == "" {
				if !h.setCSRFCookie(w) {
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			slog.Warn("CSRF cookie missing", "path", r.URL.Path)
			h.failT(w, r, http.StatusForbidden, "CSRFInvalid")
			return
		}

		token := r.Header.Get(csrfHeaderName)
		if token == "" {
			token = r.FormValue("csrf_token")
		}
		if token == "" {
			slog.Warn("CSRF token missing", "path", r.URL.Path)
			h.failT(w, r, http.StatusForbidden, "CSRFInvalid")
			return
		}
		if len(token) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch", "path", r.URL.Path)
			h.failT(w, r, http.StatusForbidden, "CSRFInvalid")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth is middleware that checks for a valid session cookie.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			h.unauthenticated(w, r)
			return
		}

		authSess, err := h.store.GetAuthSession(cookie.Value)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			h.unauthenticated(w, r)
			return
		}
		if authSess == nil {
			h.unauthenticated(w, r)
			return
		}

		user, err := h.store.GetUserByID(authSess.UserID)
		if err != nil || user == nil {
			h.unauthenticated(w, r)
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin rejects non-admin users with 403.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := model.UserFromContext(r.Context())
		if user == nil {
			jsonFail(w, http.StatusUnauthorized, appI18n.T(r.Context(), "AuthRequired"))
			return
		}
		if !user.IsAdmin() {
			slog.Warn("admin access denied", "user_id", user.ID, "path", r.URL.Path)
			jsonFail(w, http.StatusForbidden, appI18n.T(r.Context(), "AdminRequired"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// unauthenticated answers 401 for API calls and redirects browsers to the
// login page, remembering where they were going.
func (h *Handler) unauthenticated(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
		h.failT(w, r, http.StatusUnauthorized, "AuthRequired")
		return
	}
	http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
}

// safeNext returns next if it is a local absolute path, otherwise "/".
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return next
}

type credentials struct {
	Username string `validate:"required,max=80"`
	Password string `validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds := credentials{
		Username: strings.TrimSpace(r.FormValue("username")),
		Password: r.FormValue("password"),
	}
	next := r.FormValue("next")

	if err := h.validate.Struct(creds); err != nil {
		h.redirectWithFlash(w, r, loginPath(next), flashError, appI18n.T(r.Context(), validationMessage(err)))
		return
	}

	user, err := h.store.GetUserByUsername(creds.Username)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		h.redirectWithFlash(w, r, loginPath(next), flashError, appI18n.T(r.Context(), "InternalError"))
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		slog.Info("failed login", "username", creds.Username)
		h.redirectWithFlash(w, r, loginPath(next), flashError, appI18n.T(r.Context(), "LoginError"))
		return
	}

	token, err := h.store.CreateAuthSession(user.ID)
	if err != nil {
		slog.Error("failed to create auth session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	})
	slog.Info("user logged in", "user_id", user.ID)
	h.redirectWithFlash(w, r, safeNext(next), flashSuccess, appI18n.T(r.Context(), "LoginSuccess"))
}

func loginPath(next string) string {
	if next == "" {
		return "/login"
	}
	return "/login?next=" + url.QueryEscape(safeNext(next))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	creds := credentials{
		Username: strings.TrimSpace(r.FormValue("username")),
		Password: r.FormValue("password"),
	}
	if err := h.validate.Struct(creds); err != nil {
		h.redirectWithFlash(w, r, "/register", flashError, appI18n.T(r.Context(), validationMessage(err)))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	user, err := h.store.RegisterUser(creds.Username, string(hash))
	if errors.Is(err, store.ErrUsernameTaken) {
		h.redirectWithFlash(w, r, "/register", flashError, appI18n.T(r.Context(), "UsernameTaken"))
		return
	}
	if err != nil {
		slog.Error("failed to register user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.Info("registered user", "user_id", user.ID, "access_level", user.AccessLevel)
	h.redirectWithFlash(w, r, "/login", flashSuccess, appI18n.T(r.Context(), "RegisterSuccess"))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.store.DeleteAuthSession(cookie.Value); err != nil {
			slog.Warn("failed to delete auth session", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	h.redirectWithFlash(w, r, "/login", flashInfo, appI18n.T(r.Context(), "LoggedOut"))
}

const (
	flashSuccess = "success"
	flashError   = "error"
	flashInfo    = "info"
)

type flashMessage struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// redirectWithFlash stores a one-shot message for the next page and
// redirects there.
func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, target, category, message string) {
	data, err := json.Marshal(flashMessage{Category: category, Message: message})
	if err == nil {
		http.SetCookie(w, &http.Cookie{
			Name:     flashCookieName,
			Value:    base64.URLEncoding.EncodeToString(data),
			Path:     "/",
			MaxAge:   int((5 * time.Minute).Seconds()),
			HttpOnly: true,
			Secure:   h.config.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleFlash returns and clears the pending flash messages.
func (h *Handler) handleFlash(w http.ResponseWriter, r *http.Request) {
	messages := []flashMessage{}
	if c, err := r.Cookie(flashCookieName); err == nil && c.Value != "" {
		var m flashMessage
		raw, err := base64.URLEncoding.DecodeString(c.Value)
		if err == nil && json.Unmarshal(raw, &m) == nil && m.Message != "" {
			messages = append(messages, m)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     flashCookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.config.SecureCookies,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
