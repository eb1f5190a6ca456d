package authority

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// TokenExchanger handles the Authority's OAuth2-shaped token endpoints:
// POST /sso/token (code -> tokens), POST /sso/refresh and POST /sso/revoke.
type TokenExchanger struct {
	oauth2Config *oauth2.Config
	revokeURL    string
	httpClient   *http.Client
}

// TokenConfig configures the token exchanger.
type TokenConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// NewTokenExchanger creates a token exchanger against the Authority.
func NewTokenExchanger(cfg TokenConfig) *TokenExchanger {
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &TokenExchanger{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/sso/authorize",
				TokenURL: base + "/sso/token",
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		revokeURL:  base + "/sso/revoke",
		httpClient: &http.Client{},
	}
}

// AuthCodeURL returns the Authority's authorization URL for the given state.
func (t *TokenExchanger) AuthCodeURL(state string) string {
	return t.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for tokens.
func (t *TokenExchanger) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := t.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Err: fmt.Errorf("exchanging code: %w", err)}
	}
	return tok, nil
}

// Refresh obtains a fresh token pair from a refresh token.
func (t *TokenExchanger) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := t.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, &Error{Kind: KindAuth, Err: fmt.Errorf("refreshing token: %w", err)}
	}
	return tok, nil
}

// Revoke invalidates a token at the Authority. Revocation of an unknown
// token is not an error.
func (t *TokenExchanger) Revoke(ctx context.Context, token string) error {
	form := url.Values{
		"token":         {token},
		"client_id":     {t.oauth2Config.ClientID},
		"client_secret": {t.oauth2Config.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == 404 {
		return nil
	}
	return &Error{Kind: statusKind(resp.StatusCode), StatusCode: resp.StatusCode}
}
