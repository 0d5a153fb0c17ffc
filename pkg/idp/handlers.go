package idp

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/hangarhq/hangar/pkg/observability"
	"github.com/hangarhq/hangar/pkg/session"
)

const (
	stateCookie    = "hangar_state"
	verifierCookie = "hangar_verifier"
	returnCookie   = "hangar_return_url"
)

// Handlers handles the login, callback, and logout HTTP surface
type Handlers struct {
	registry      *Registry
	sessions      session.Store
	logoutPlanner *session.LogoutPlanner
	logger        *observability.Logger
	metrics       *observability.Metrics
	sessionTTL    time.Duration
	secureCookies bool
}

// NewHandlers creates the authentication handlers
func NewHandlers(registry *Registry, sessions session.Store, logoutPlanner *session.LogoutPlanner, logger *observability.Logger, metrics *observability.Metrics, sessionTTL time.Duration, secureCookies bool) *Handlers {
	return &Handlers{
		registry:      registry,
		sessions:      sessions,
		logoutPlanner: logoutPlanner,
		logger:        logger,
		metrics:       metrics,
		sessionTTL:    sessionTTL,
		secureCookies: secureCookies,
	}
}

// RegisterRoutes registers authentication routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", h.initiateLogin).Methods("GET")
	router.HandleFunc("/auth/callback/{idp}", h.handleCallback).Methods("GET")
	router.HandleFunc("/auth/logout", h.logout).Methods("GET", "POST")
	router.HandleFunc("/auth/me", h.me).Methods("GET")
}

// initiateLogin handles GET /auth/login?return_to=<origin URL>
func (h *Handlers) initiateLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" {
		returnTo = r.Header.Get("Referer")
	}
	if returnTo == "" {
		http.Error(w, "return_to is required", http.StatusBadRequest)
		return
	}
	if _, err := url.ParseRequestURI(returnTo); err != nil {
		http.Error(w, "invalid return_to", http.StatusBadRequest)
		return
	}

	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	authURL, verifier, idpID, err := h.registry.BeginLogin(returnTo, state)
	if err != nil {
		h.logger.WithError(err).WithField("return_to", returnTo).Warn("No identity provider for origin")
		http.Error(w, "no identity provider configured for this origin", http.StatusNotFound)
		return
	}

	h.setTempCookie(w, stateCookie, state)
	h.setTempCookie(w, returnCookie, returnTo)
	if verifier != "" {
		h.setTempCookie(w, verifierCookie, verifier)
	}

	h.logger.WithFields(map[string]interface{}{
		"idp_id":    idpID,
		"return_to": returnTo,
	}).Debug("Redirecting to identity provider")

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback handles GET /auth/callback/{idp}
func (h *Handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	idpID := mux.Vars(r)["idp"]

	stateCk, err := r.Cookie(stateCookie)
	if err != nil {
		http.Error(w, "missing state cookie", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("state") != stateCk.Value {
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	var verifier string
	if ck, err := r.Cookie(verifierCookie); err == nil {
		verifier = ck.Value
	}

	ctx := observability.WithIdPID(r.Context(), idpID)
	payload, err := h.registry.CompleteLogin(ctx, idpID, code, verifier)
	if err != nil {
		// The cause was already logged where it happened; the client sees
		// only a generic failure
		h.clearTempCookies(w)
		h.clearSessionCookie(w)
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	sid := uuid.New().String()
	if err := h.sessions.Set(ctx, sid, payload); err != nil {
		h.logger.WithError(err).Error("Failed to persist session")
		h.clearTempCookies(w)
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sid,
		Path:     "/",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	if h.metrics != nil {
		h.metrics.SessionsCreatedTotal.Inc()
	}

	returnTo := "/"
	if ck, err := r.Cookie(returnCookie); err == nil && ck.Value != "" {
		returnTo = ck.Value
	}
	h.clearTempCookies(w)

	http.Redirect(w, r, returnTo, http.StatusFound)
}

// logout handles GET/POST /auth/logout. The local session is destroyed
// before the upstream redirect is computed, so logout always succeeds
// locally even when the IdP redirect cannot be built.
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	ck, err := r.Cookie(session.CookieName)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	payload, getErr := h.sessions.Get(r.Context(), ck.Value)

	if err := h.sessions.Destroy(r.Context(), ck.Value); err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			h.logger.WithError(err).Warn("Failed to destroy session")
		}
	} else if h.metrics != nil {
		h.metrics.SessionsDestroyedTotal.Inc()
	}
	h.clearSessionCookie(w)

	redirect := "/"
	if returnTo := r.URL.Query().Get("return_to"); returnTo != "" {
		redirect = returnTo
	}

	if getErr != nil || payload == nil {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	strategy, ok := h.registry.Strategy(payload.User.IdPID)
	if !ok {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	hint, _ := h.logoutPlanner.Plan(payload.IDToken, payload.IdPSessionID)
	endSession := strategy.Client.BuildEndSessionURL(hint.Param, hint.Value, redirect)
	if endSession == "" {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	http.Redirect(w, r, endSession, http.StatusFound)
}

// me handles GET /auth/me
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	payload := session.FromRequest(r)
	if payload == nil {
		ck, err := r.Cookie(session.CookieName)
		if err != nil {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		payload, err = h.sessions.Get(r.Context(), ck.Value)
		if err != nil {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (h *Handlers) setTempCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearTempCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: stateCookie, MaxAge: -1, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: verifierCookie, MaxAge: -1, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: returnCookie, MaxAge: -1, Path: "/"})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: session.CookieName, MaxAge: -1, Path: "/"})
}
