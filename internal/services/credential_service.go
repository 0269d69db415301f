package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ajramos/gizreply/internal/db"
	"github.com/ajramos/gizreply/pkg/auth"
	"golang.org/x/oauth2"
)

// expiryDelta refreshes slightly ahead of the real expiry so a token does not
// lapse in flight
const expiryDelta = 30 * time.Second

// Credential is a currently-valid access token for one account
type Credential struct {
	AccountID   string
	Email       string
	AccessToken string
	Expiry      time.Time
}

// RefreshFunc exchanges a refresh token at the account's token endpoint
type RefreshFunc func(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error)

// CredentialServiceImpl implements CredentialService
type CredentialServiceImpl struct {
	store   AccountStore
	refresh RefreshFunc
	timeout time.Duration
	locks   *KeyedMutex
	now     func() time.Time
	logger  *slog.Logger
}

// NewCredentialService creates a credential lifecycle manager. refresh may be
// nil to use the OAuth2 token endpoint.
func NewCredentialService(store AccountStore, refresh RefreshFunc, timeout time.Duration, logger *slog.Logger) *CredentialServiceImpl {
	if refresh == nil {
		refresh = auth.RefreshToken
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialServiceImpl{
		store:   store,
		refresh: refresh,
		timeout: timeout,
		locks:   NewKeyedMutex(),
		now:     time.Now,
		logger:  logger,
	}
}

// GetValidCredential returns the stored token when unexpired, refreshing and
// persisting it otherwise. Refreshes of one account are serialized.
func (s *CredentialServiceImpl) GetValidCredential(ctx context.Context, accountID string) (*Credential, error) {
	unlock, err := s.locks.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return nil, err
	}

	if s.tokenValid(acct) {
		return credentialFrom(acct, acct.AccessToken, acct.Expiry()), nil
	}
	if strings.TrimSpace(acct.RefreshToken) == "" {
		return nil, fmt.Errorf("%w: access token expired and no refresh token for %s", ErrAuth, accountID)
	}

	rctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	cfg := auth.ClientConfig(acct.ClientID, acct.ClientSecret, acct.TokenEndpoint, acct.ScopeList())
	tok, err := s.refresh(rctx, cfg, acct.RefreshToken)
	if err != nil {
		s.logger.WarnContext(ctx, "token refresh failed",
			slog.String("account", accountID),
			slog.Bool("invalid_grant", auth.IsInvalidGrant(err)),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: refresh %s: %w", ErrAuth, accountID, err)
	}
	if tok == nil || strings.TrimSpace(tok.AccessToken) == "" {
		return nil, fmt.Errorf("%w: refresh %s returned no access token", ErrAuth, accountID)
	}

	upd := db.TokenUpdate{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if err := s.store.UpdateToken(ctx, accountID, upd); err != nil {
		return nil, fmt.Errorf("persist refreshed token for %s: %w", accountID, err)
	}
	s.logger.DebugContext(ctx, "access token refreshed",
		slog.String("account", accountID),
		slog.Time("expiry", tok.Expiry))

	return credentialFrom(acct, tok.AccessToken, tok.Expiry), nil
}

func (s *CredentialServiceImpl) tokenValid(acct *db.Account) bool {
	if strings.TrimSpace(acct.AccessToken) == "" {
		return false
	}
	exp := acct.Expiry()
	return exp.IsZero() || s.now().Add(expiryDelta).Before(exp)
}

func credentialFrom(acct *db.Account, token string, expiry time.Time) *Credential {
	return &Credential{
		AccountID:   acct.AccountID,
		Email:       acct.Email,
		AccessToken: token,
		Expiry:      expiry,
	}
}
