package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/hazyhaar/noteboard/horosafe"
)

// GoogleUserInfoURL is the profile endpoint queried with an access token.
var GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// OAuthConfig holds the client registration for an OAuth2 provider.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Enabled reports whether a client id is configured.
func (c OAuthConfig) Enabled() bool { return c.ClientID != "" }

// GoogleUser is the profile Google returns for a token.
type GoogleUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Verified bool   `json:"verified_email"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
}

// NewGoogleProvider returns an oauth2.Config for Google sign-in with the
// openid, email and profile scopes.
func NewGoogleProvider(cfg OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
	}
}

// ExchangeGoogleCode trades an authorization code for a token.
func ExchangeGoogleCode(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: oauth exchange: %w", err)
	}
	return tok, nil
}

// FetchGoogleUserFromToken resolves the profile behind an access token.
// client may be nil.
func FetchGoogleUserFromToken(ctx context.Context, client *http.Client, accessToken string) (*GoogleUser, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, GoogleUserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch google userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return nil, fmt.Errorf("auth: read google userinfo: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UserInfoError{Status: resp.StatusCode, Body: string(body)}
	}
	var u GoogleUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("auth: decode google userinfo: %w", err)
	}
	if u.ID == "" || u.Email == "" {
		return nil, fmt.Errorf("auth: google userinfo without id or email")
	}
	return &u, nil
}

// UserInfoError is a non-200 answer from the profile endpoint.
type UserInfoError struct {
	Status int
	Body   string
}

func (e *UserInfoError) Error() string {
	return fmt.Sprintf("auth: google userinfo returned %d: %s", e.Status, e.Body)
}
