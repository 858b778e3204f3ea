package main

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/example/logica/internal/account"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const nonceCookie = "logica_oauth_nonce"

// HandleOAuthRedirect sends the browser to the provider. The nonce bound to
// the state parameter is kept in a short-lived cookie.
func (a *App) HandleOAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := a.Providers[mux.Vars(r)["provider"]]
	if !ok {
		writeError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "Unknown identity provider")
		return
	}

	state, nonce, err := a.States.Issue(provider.Name())
	if err != nil {
		a.Logger.Error("issuing oauth state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     nonceCookie,
		Value:    nonce,
		Path:     "/auth/",
		MaxAge:   int(a.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, provider.AuthCodeURL(state, nonce), http.StatusFound)
}

// HandleOAuthCallback completes federated sign-in and hands the token to the
// frontend in the redirect URL.
func (a *App) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	provider, ok := a.Providers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "Unknown identity provider")
		return
	}

	http.SetCookie(w, &http.Cookie{Name: nonceCookie, Path: "/auth/", MaxAge: -1, HttpOnly: true})
	fail := func(reason string, err error) {
		a.Logger.Warn("federated sign-in failed",
			zap.String("provider", name),
			zap.String("reason", reason),
			zap.Error(err))
		a.redirectFrontend(w, r, "/login", "error", reason)
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		fail(name+"_callback", errors.New(e))
		return
	}

	var nonce string
	if c, err := r.Cookie(nonceCookie); err == nil {
		nonce = c.Value
	}
	if err := a.States.Verify(q.Get("state"), nonce, provider.Name()); err != nil {
		fail(name+"_callback", err)
		return
	}

	profile, err := provider.FetchProfile(r.Context(), q.Get("code"), nonce)
	if err != nil {
		fail(name+"_callback", err)
		return
	}

	s, err := a.Accounts.FederatedSignIn(r.Context(), profile)
	if errors.Is(err, account.ErrPendingApproval) {
		fail("pending_approval", err)
		return
	}
	if err != nil {
		fail(name+"_callback", err)
		return
	}
	a.redirectFrontend(w, r, "/auth/callback", "token", s.AccessToken)
}

func (a *App) redirectFrontend(w http.ResponseWriter, r *http.Request, path, key, value string) {
	target := strings.TrimRight(a.Config.HTTP.FrontendURL, "/") + path + "?" + url.Values{key: {value}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}
