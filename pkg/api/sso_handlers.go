package api

import (
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/perimeterhq/gatehouse/pkg/audit"
	"github.com/perimeterhq/gatehouse/pkg/httputil"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func toTokenResponse(tok *oauth2.Token) tokenResponse {
	resp := tokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return resp
}

// ssoAuthorize redirects the caller to the Authority's authorization
// endpoint. state is caller-provided and passed through opaquely.
func (s *Server) ssoAuthorize(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", "state is required")
		return
	}
	http.Redirect(w, r, s.deps.Tokens.AuthCodeURL(state), http.StatusFound)
}

// ssoToken exchanges an authorization code for tokens.
func (s *Server) ssoToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "INVALID_BODY", "could not parse form body")
		return
	}
	code := r.PostFormValue("code")
	if code == "" {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", "code is required")
		return
	}

	tok, err := s.deps.Tokens.Exchange(r.Context(), code)
	if err != nil {
		s.logger.WithError(err).Warn("Token exchange failed")
		httputil.WriteUnauthenticated(w, "authorization code was rejected")
		return
	}
	s.record(r, audit.Event{EventType: audit.EventTypeTokenIssue, Status: audit.EventStatusSuccess})
	httputil.WriteSuccess(w, toTokenResponse(tok))
}

// ssoRefresh exchanges a refresh token for a fresh access token.
func (s *Server) ssoRefresh(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "INVALID_BODY", "could not parse form body")
		return
	}
	refresh := r.PostFormValue("refresh_token")
	if refresh == "" {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", "refresh_token is required")
		return
	}

	tok, err := s.deps.Tokens.Refresh(r.Context(), refresh)
	if err != nil {
		s.logger.WithError(err).Warn("Token refresh failed")
		httputil.WriteUnauthenticated(w, "refresh token was rejected")
		return
	}
	httputil.WriteSuccess(w, toTokenResponse(tok))
}

// ssoRevoke revokes a token at the Authority. Revoking an already-dead
// token is not an error.
func (s *Server) ssoRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "INVALID_BODY", "could not parse form body")
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", "token is required")
		return
	}
	if err := s.deps.Tokens.Revoke(r.Context(), token); err != nil {
		s.logger.WithError(err).Warn("Token revocation failed")
		httputil.WriteServiceUnavailable(w, "authority is unreachable")
		return
	}
	s.record(r, audit.Event{EventType: audit.EventTypeTokenRevoke, Status: audit.EventStatusSuccess})
	httputil.WriteNoContent(w)
}
