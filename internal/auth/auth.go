package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"inteltrace/internal/config"
	"inteltrace/internal/repository"
	"inteltrace/pkg/models"
)

// DevEmail is the identity used when authentication is bypassed.
const DevEmail = "dev@localhost"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type contextKey struct{}

// WithUser returns a copy of ctx carrying the authenticated analyst.
func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFromContext returns the analyst stored by RequireAuth, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*models.User)
	return u, ok && u != nil
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication against the configured issuer.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	users        repository.UserStore
	logger       Logger
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. Outside of the DEV bypass it contacts the provider to
// discover its endpoints and keys.
func New(ctx context.Context, cfg *config.Config, users repository.UserStore, logger Logger) (*Auth, error) {
	shouldBypass := cfg.IsDev() && cfg.DevModeBypass

	a := &Auth{
		users:      users,
		logger:     logger,
		authBypass: shouldBypass,
	}
	if shouldBypass {
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}

	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens carry the API audience, not the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})

	return a, nil
}

// Bypassed reports whether requests are let through as DevEmail.
func (a *Auth) Bypassed() bool {
	return a.authBypass
}

// LoginHandler starts the authorization code flow. A random state value is
// stored in a cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler verifies the state, exchanges the code and stores the raw
// ID token in a session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	idToken, err := a.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	var claims tokenClaims
	if err := idToken.Claims(&claims); err == nil && claims.Email != "" {
		if _, err := a.provision(r.Context(), claims.Email, claims.Name); err != nil {
			http.Error(w, "failed to provision user", http.StatusInternalServerError)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type tokenClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// RequireAuth resolves the caller from a bearer token or the session cookie
// and puts the provisioned user into the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := tokenClaims{Email: DevEmail, Name: "Local Operator"}

		if !a.authBypass {
			var token *oidc.IDToken
			var err error

			// Bearer first, for Swagger and API clients.
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			} else {
				cookie, cookieErr := r.Cookie("id_token")
				if cookieErr != nil {
					http.Error(w, "missing credentials", http.StatusUnauthorized)
					return
				}
				token, err = a.verifier.Verify(r.Context(), cookie.Value)
			}
			if err != nil {
				http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}

			claims = tokenClaims{}
			if err := token.Claims(&claims); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}
		}

		if parts := strings.Split(claims.Email, "@"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			http.Error(w, "invalid email format in token", http.StatusUnauthorized)
			return
		}

		user, err := a.provision(r.Context(), claims.Email, claims.Name)
		if err != nil {
			http.Error(w, "failed to provision user: "+err.Error(), http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// provision looks the analyst up by email and creates them on first sight.
func (a *Auth) provision(ctx context.Context, email, name string) (*models.User, error) {
	email = strings.ToLower(email)
	user, err := a.users.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	user = &models.User{Email: email, Name: name}
	if err := a.users.CreateUser(ctx, user); err != nil {
		// a concurrent first request provisioned the same analyst
		if errors.Is(err, repository.ErrConflict) {
			if existing, getErr := a.users.GetUserByEmail(ctx, email); getErr == nil {
				return existing, nil
			}
		}
		if a.logger != nil {
			a.logger.Error("failed to provision user", "email", email, "error", err)
		}
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("provisioned user", "email", email, "id", user.ID)
	}
	return user, nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
