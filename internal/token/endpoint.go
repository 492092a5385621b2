package token

import (
	"context"

	"mailmigrate/internal/config"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuthEndpoint implements Endpoint against a form-encoded OAuth2 token URL.
type OAuthEndpoint struct {
	code  *oauth2.Config
	creds *clientcredentials.Config
}

// NewOAuthEndpoint creates an endpoint for the identity. Client credentials
// are sent in the form body.
func NewOAuthEndpoint(id config.Identity) *OAuthEndpoint {
	endpoint := oauth2.Endpoint{
		TokenURL:  id.Endpoint(),
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return &OAuthEndpoint{
		code: &oauth2.Config{
			ClientID:     id.ClientID,
			ClientSecret: id.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  id.RedirectURI,
			Scopes:       id.Scopes,
		},
		creds: &clientcredentials.Config{
			ClientID:     id.ClientID,
			ClientSecret: id.ClientSecret,
			TokenURL:     id.Endpoint(),
			Scopes:       id.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL returns the URL a user visits to obtain an authorization code.
func (e *OAuthEndpoint) AuthCodeURL(state string) string {
	return e.code.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query"))
}

// Exchange trades an authorization code for a token
func (e *OAuthEndpoint) Exchange(ctx context.Context, code string) (*Token, error) {
	tok, err := e.code.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	return fromOAuth2(tok), nil
}

// Refresh uses a refresh token to obtain a new access token
func (e *OAuthEndpoint) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	tok, err := e.code.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	return fromOAuth2(tok), nil
}

// ClientCredentials acquires an application-only token
func (e *OAuthEndpoint) ClientCredentials(ctx context.Context) (*Token, error) {
	tok, err := e.creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	return fromOAuth2(tok), nil
}

func fromOAuth2(tok *oauth2.Token) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}
