package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// OAuth2Config holds the OAuth2 client settings used by the consent flow
type OAuth2Config struct {
	CredentialsPath string
	RedirectURL     string
	Scopes          []string
}

// NewOAuth2Config creates a new OAuth2 configuration
func NewOAuth2Config(credentialsPath, redirectURL string, scopes ...string) *OAuth2Config {
	return &OAuth2Config{
		CredentialsPath: credentialsPath,
		RedirectURL:     redirectURL,
		Scopes:          scopes,
	}
}

// LoadCredentials loads OAuth2 client credentials from the Google JSON file
func (c *OAuth2Config) LoadCredentials() (*oauth2.Config, error) {
	data, err := os.ReadFile(c.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("could not read credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(data, c.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("could not parse credentials file: %w", err)
	}
	if strings.TrimSpace(c.RedirectURL) != "" {
		config.RedirectURL = c.RedirectURL
	}

	return config, nil
}

// AuthCodeURL builds the consent URL. Offline access with forced consent so
// Google always returns a refresh token.
func AuthCodeURL(config *oauth2.Config, state string) string {
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token
func Exchange(ctx context.Context, config *oauth2.Config, code string) (*oauth2.Token, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("authorization code not received")
	}
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("could not exchange authorization code for token: %w", err)
	}
	return token, nil
}

// ClientConfig rebuilds an oauth2.Config from the fields persisted per account
func ClientConfig(clientID, clientSecret, tokenURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  google.Endpoint.AuthURL,
			TokenURL: tokenURL,
		},
	}
}

// RefreshToken exchanges the refresh token for a new access token
func RefreshToken(ctx context.Context, config *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("no refresh token")
	}
	// A token carrying only the refresh token is never Valid, forcing a refresh
	tokenSource := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("could not refresh token: %w", err)
	}
	return newToken, nil
}

// IsInvalidGrant reports whether the token endpoint rejected the grant
// (expired or revoked refresh token)
func IsInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.ErrorCode == "invalid_grant"
	}
	return err != nil && strings.Contains(err.Error(), "invalid_grant")
}

// UserInfo is the identity returned by Google for a consented token
type UserInfo struct {
	ID    string
	Email string
}

// FetchUserInfo resolves the Google user id and email for a token
func FetchUserInfo(ctx context.Context, token *oauth2.Token, opts ...option.ClientOption) (*UserInfo, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, opts...)
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("could not fetch user info: %w", err)
	}
	if strings.TrimSpace(info.Id) == "" || strings.TrimSpace(info.Email) == "" {
		return nil, fmt.Errorf("user info missing id or email")
	}
	return &UserInfo{ID: info.Id, Email: info.Email}, nil
}

// NewGmailService creates a Gmail service authorized with a fixed access token.
// Refreshing is the caller's job, done before each notification.
func NewGmailService(ctx context.Context, accessToken string, opts ...option.ClientOption) (*gmail.Service, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("empty access token")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)

	service, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create Gmail service: %w", err)
	}
	return service, nil
}
