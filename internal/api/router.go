package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"templesite/internal/config"
	"templesite/internal/middleware"
	"templesite/internal/models"
	"templesite/internal/rate"
	"templesite/internal/service"
	"templesite/internal/util"
	"templesite/internal/version"
)

const loginPage = "/login"

type Handlers struct {
	cfg      config.Config
	svc      *service.Service
	limiter  *rate.Limiter
	blocker  *rate.Blocker
	validate *validator.Validate
}

func NewRouter(cfg config.Config, svc *service.Service, limiter *rate.Limiter, blocker *rate.Blocker) http.Handler {
	h := &Handlers{
		cfg:      cfg,
		svc:      svc,
		limiter:  limiter,
		blocker:  blocker,
		validate: validator.New(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token", "Authorization"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]any{"status": "ok", "version": version.Current()})
	})
	r.Get("/health/ready", h.HealthReady)

	sessionAuthn := middleware.SessionAuthn(h.svc.SessionKey(), cfg.SessionCookieName, loginPage, false)
	csrf := middleware.CSRF(h.svc.CSRFKey(), cfg.CSRFCookieName)
	ipBlock := middleware.IPBlock(h.blocker, cfg.TrustProxy)

	r.Route("/api/v1", func(r chi.Router) {
		// The login surface carries the stricter per-window limit and is
		// never behind the session middleware.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(h.limiter, true, cfg.TrustProxy))
			r.Use(ipBlock)
			r.Post("/login", h.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(h.limiter, false, cfg.TrustProxy))
			r.Use(ipBlock)

			r.Post("/register", h.Register)
			r.Post("/logout", h.Logout)
			r.Get("/session/verify", h.SessionVerify)
			r.Post("/2fa/setup", h.TwoFactorEnroll)
			r.Delete("/2fa/setup", h.TwoFactorDisable)

			r.Group(func(r chi.Router) {
				r.Use(sessionAuthn)
				r.Use(csrf)
				r.Get("/me", h.Me)
				r.Post("/me/password", h.ChangePassword)

				r.Route("/admin", func(r chi.Router) {
					r.Use(middleware.AdminOnly)
					r.Get("/users", h.AdminListUsers)
					r.Get("/alerts", h.AdminListAlerts)
				})
			})
		})
	})

	// Static site; the admin pages live under a protected prefix that
	// redirects to the login surface instead of rendering.
	fs := http.FileServer(http.Dir("web"))
	redirectAuthn := middleware.SessionAuthn(h.svc.SessionKey(), cfg.SessionCookieName, loginPage, true)
	r.With(redirectAuthn).Handle("/admin/*", fs)
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/health/") {
			http.NotFound(w, r)
			return
		}
		if p == "/" {
			http.ServeFile(w, r, filepath.Join("web", "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})

	return r
}

func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	ready := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": map[string]any{},
	}
	comps := ready["components"].(map[string]any)
	ok := true
	if err := h.svc.Ping(r.Context()); err != nil {
		ok = false
		comps["store"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		comps["store"] = map[string]any{"ok": true}
	}
	comps["alerts"] = map[string]any{"ok": true, "sender": h.cfg.AlertSender}
	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, 503, ready)
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
	TOTPCode   string `json:"totpCode"`
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"displayName" validate:"required,min=4,max=64"`
	Password    string `json:"password" validate:"required"`
}

// writeMessage emits the bare {"message": ...} body the auth surfaces use.
// Distinct auth failures must stay byte-identical, so no request ID or
// error code is included here.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	util.WriteJSON(w, status, map[string]string{"message": msg})
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Identifier and password are required")
		return
	}

	res, err := h.svc.Login(r.Context(), service.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		TOTPCode:   req.TOTPCode,
		IP:         middleware.ClientIP(r, h.cfg.TrustProxy),
	})
	if err != nil {
		switch err {
		case service.ErrIPBlocked:
			writeMessage(w, http.StatusForbidden, "Access denied")
		case service.ErrInvalidCredentials:
			writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		case service.ErrInvalidTwoFactor:
			writeMessage(w, http.StatusUnauthorized, "Invalid 2FA token")
		case service.ErrTwoFactorRequired:
			util.WriteJSON(w, http.StatusPreconditionRequired, map[string]any{
				"message":    "2FA token required",
				"require2FA": true,
			})
		default:
			writeMessage(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.setAuthCookies(w, r, res.Token, res.CSRFSecret)
	util.WriteJSON(w, 200, map[string]any{
		"user":      res.User.Public(),
		"token":     res.Token,
		"csrfToken": res.CSRFToken,
		"message":   "Login successful",
	})
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Email, display name and password are required")
		return
	}
	if err := h.svc.ValidatePassword(req.Password); err != nil {
		writeMessage(w, http.StatusBadRequest, "Password does not meet requirements")
		return
	}
	u, err := h.svc.Register(r.Context(), req.Email, req.DisplayName, req.Password)
	if err != nil {
		if err == service.ErrConflict {
			writeMessage(w, http.StatusConflict, "Account already exists")
			return
		}
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]any{"user": u.Public(), "message": "Account created"})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	// Stateless sessions: clearing the client-held cookies is all logout
	// does. A stolen token stays valid until expiry.
	h.clearAuthCookies(w, r)
	writeMessage(w, http.StatusOK, "Logged out")
}

func (h *Handlers) SessionVerify(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		writeMessage(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}
	claims, err := h.svc.VerifyToken(parts[1])
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}
	util.WriteJSON(w, 200, map[string]any{
		"userId":      claims.Subject,
		"displayName": claims.DisplayName,
		"role":        claims.Role,
		"expiresAt":   claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

type twoFactorRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// sessionIdentity reads the session cookie outside the session middleware,
// for routes that are conditionally protected.
func (h *Handlers) sessionIdentity(r *http.Request) (middleware.Identity, bool) {
	c, err := r.Cookie(h.cfg.SessionCookieName)
	if err != nil || c.Value == "" {
		return middleware.Identity{}, false
	}
	claims, err := h.svc.VerifyToken(c.Value)
	if err != nil {
		return middleware.Identity{}, false
	}
	return middleware.Identity{UserID: claims.Subject, DisplayName: claims.DisplayName, Role: claims.Role}, true
}

// canManageTwoFactor allows a user to manage their own enrollment and
// admins to manage anyone's.
func (h *Handlers) canManageTwoFactor(r *http.Request, userID string) bool {
	id, ok := h.sessionIdentity(r)
	return ok && (id.UserID == userID || id.Role == "admin")
}

func (h *Handlers) TwoFactorEnroll(w http.ResponseWriter, r *http.Request) {
	var req twoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		writeMessage(w, http.StatusBadRequest, "userId is required")
		return
	}
	// First-time enrollment is open so a fresh admin can set up TOTP
	// before their first full login. Replacing an active secret is a
	// takeover vector and needs a session for that user or an admin.
	if h.svc.TwoFactorEnrolled(r.Context(), req.UserID) && !h.canManageTwoFactor(r, req.UserID) {
		writeMessage(w, http.StatusForbidden, "Access denied")
		return
	}
	secret, qr, err := h.svc.EnrollTwoFactor(r.Context(), req.UserID)
	if err != nil {
		if err == service.ErrNotFound {
			writeMessage(w, http.StatusNotFound, "User not found")
			return
		}
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	util.WriteJSON(w, 200, map[string]string{
		"secret":  secret,
		"qrCode":  qr,
		"message": "Two-factor authentication enabled",
	})
}

func (h *Handlers) TwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req twoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		writeMessage(w, http.StatusBadRequest, "userId is required")
		return
	}
	// Disabling 2FA downgrades the account; never allow it anonymously.
	if !h.canManageTwoFactor(r, req.UserID) {
		writeMessage(w, http.StatusForbidden, "Access denied")
		return
	}
	if err := h.svc.DisableTwoFactor(r.Context(), req.UserID); err != nil {
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeMessage(w, http.StatusOK, "Two-factor authentication disabled")
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFrom(r.Context())
	u, err := h.svc.GetUser(r.Context(), id.UserID)
	if err != nil {
		util.WriteError(w, http.StatusUnauthorized, "unauthorized", "unknown user", middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"user": u.Public()})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Current and new password are required")
		return
	}
	if err := h.svc.ValidatePassword(req.NewPassword); err != nil {
		writeMessage(w, http.StatusBadRequest, "Password does not meet requirements")
		return
	}
	id, _ := middleware.IdentityFrom(r.Context())
	if err := h.svc.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		if err == service.ErrInvalidCredentials {
			writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeMessage(w, http.StatusOK, "Password updated")
}

func (h *Handlers) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	q := models.UserQuery{
		Q:      r.URL.Query().Get("q"),
		Role:   r.URL.Query().Get("role"),
		Sort:   r.URL.Query().Get("sort"),
		Order:  r.URL.Query().Get("order"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	users, total, err := h.svc.ListUsers(r.Context(), q)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "failed to list users", middleware.RequestID(r.Context()))
		return
	}
	out := make([]models.PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	util.WriteJSON(w, 200, map[string]any{"users": out, "total": total})
}

func (h *Handlers) AdminListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	util.WriteJSON(w, 200, map[string]any{"alerts": h.svc.RecentAlerts(limit)})
}

func (h *Handlers) setAuthCookies(w http.ResponseWriter, r *http.Request, sessionToken, csrfSecret string) {
	secure := h.cfg.ResolveCookieSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(h.cfg.SessionDuration().Seconds()),
	})
	// Session-scoped on purpose: no MaxAge.
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    csrfSecret,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handlers) clearAuthCookies(w http.ResponseWriter, r *http.Request) {
	secure := h.cfg.ResolveCookieSecure(r)
	expiredAt := time.Unix(1, 0).UTC()
	for _, name := range []string{h.cfg.SessionCookieName, h.cfg.CSRFCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   -1,
			Expires:  expiredAt,
		})
	}
}

func queryInt(r *http.Request, key string, d int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}
