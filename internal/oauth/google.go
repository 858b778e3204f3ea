package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/logica/internal/account"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	ProviderGoogle         = "google"
	defaultGoogleUserInfo  = "https://www.googleapis.com/oauth2/v3/userinfo"
	maxUserInfoBody        = 1 << 20
	defaultProviderTimeout = 10 * time.Second
)

// Provider turns an authorization code into the signed-in user's profile.
type Provider interface {
	Name() string
	// AuthCodeURL is where the browser is sent to sign in. verifier is the
	// PKCE code verifier bound to state.
	AuthCodeURL(state, verifier string) string
	FetchProfile(ctx context.Context, code, verifier string) (*account.ExternalProfile, error)
}

// GoogleConfig holds Google OAuth configuration. Endpoint and UserInfoURL
// default to Google's production endpoints.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	Endpoint    oauth2.Endpoint
	UserInfoURL string
	HTTPClient  *http.Client
}

type Google struct {
	oauth    *oauth2.Config
	userInfo string
	client   *http.Client
}

var _ Provider = (*Google)(nil)

func NewGoogle(cfg GoogleConfig) (*Google, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("google client id and secret must be set")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = endpoints.Google
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = defaultGoogleUserInfo
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultProviderTimeout}
	}

	return &Google{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		userInfo: cfg.UserInfoURL,
		client:   client,
	}, nil
}

func (g *Google) Name() string { return ProviderGoogle }

func (g *Google) AuthCodeURL(state, verifier string) string {
	return g.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// FetchProfile exchanges code and reads the OpenID userinfo document.
func (g *Google) FetchProfile(ctx context.Context, code, verifier string) (*account.ExternalProfile, error) {
	if code == "" {
		return nil, errors.New("google: missing authorization code")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)

	tok, err := g.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("google: exchanging code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfo, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: fetching userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBody))
	if err != nil {
		return nil, fmt.Errorf("google: reading userinfo: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google: userinfo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("google: decoding userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, errors.New("google: userinfo has no email")
	}
	if info.EmailVerified != nil && !*info.EmailVerified {
		return nil, errors.New("google: email is not verified")
	}

	return &account.ExternalProfile{
		Provider:  ProviderGoogle,
		Subject:   info.Sub,
		Name:      info.Name,
		Email:     info.Email,
		AvatarURL: info.Picture,
	}, nil
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}
