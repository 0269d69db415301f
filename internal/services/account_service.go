package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ajramos/gizreply/internal/db"
	"github.com/ajramos/gizreply/pkg/auth"
	"golang.org/x/oauth2"
)

// AccountSummary is the public view of an account, without secrets
type AccountSummary struct {
	AccountID       string    `json:"account_id"`
	Email           string    `json:"email"`
	HistoryCursor   *uint64   `json:"history_cursor"`
	WatchRegistered bool      `json:"watch_registered"`
	WatchExpiration time.Time `json:"watch_expiration,omitempty"`
	TokenExpiry     time.Time `json:"token_expiry,omitempty"`
}

// ExchangeFunc trades an authorization code for a token
type ExchangeFunc func(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error)

// UserInfoFunc resolves the Google identity of a token
type UserInfoFunc func(ctx context.Context, tok *oauth2.Token) (*auth.UserInfo, error)

// AccountServiceImpl implements AccountService
type AccountServiceImpl struct {
	oauth        *oauth2.Config
	states       StateStore
	accounts     AccountStore
	watch        WatchService
	watchOnLogin bool
	exchange     ExchangeFunc
	userInfo     UserInfoFunc
	logger       *slog.Logger
}

// NewAccountService creates the consent flow service. watch may be nil.
func NewAccountService(oauthCfg *oauth2.Config, states StateStore, accounts AccountStore, watch WatchService, watchOnLogin bool, logger *slog.Logger) *AccountServiceImpl {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountServiceImpl{
		oauth:        oauthCfg,
		states:       states,
		accounts:     accounts,
		watch:        watch,
		watchOnLogin: watchOnLogin,
		exchange:     auth.Exchange,
		userInfo: func(ctx context.Context, tok *oauth2.Token) (*auth.UserInfo, error) {
			return auth.FetchUserInfo(ctx, tok)
		},
		logger: logger,
	}
}

// BeginLogin issues a state and returns the Google consent URL
func (s *AccountServiceImpl) BeginLogin(ctx context.Context) (string, error) {
	if s.oauth == nil {
		return "", fmt.Errorf("oauth client not configured")
	}
	state, err := s.states.Create(ctx)
	if err != nil {
		return "", err
	}
	return auth.AuthCodeURL(s.oauth, state), nil
}

// CompleteLogin validates the state, exchanges the code and stores the account
func (s *AccountServiceImpl) CompleteLogin(ctx context.Context, state, code string) (*AccountSummary, error) {
	if s.oauth == nil {
		return nil, fmt.Errorf("oauth client not configured")
	}
	if err := s.states.Consume(ctx, state); err != nil {
		return nil, err
	}

	tok, err := s.exchange(ctx, s.oauth, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	info, err := s.userInfo(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	acct := &db.Account{
		AccountID:     info.ID,
		Email:         info.Email,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		TokenEndpoint: s.oauth.Endpoint.TokenURL,
		ClientID:      s.oauth.ClientID,
		ClientSecret:  s.oauth.ClientSecret,
		Scopes:        strings.Join(grantedScopes(tok, s.oauth.Scopes), ","),
	}
	if !tok.Expiry.IsZero() {
		acct.TokenExpiry = tok.Expiry.Unix()
	}
	if err := s.accounts.UpsertAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "account authorized", slog.String("account", info.ID), slog.String("email", info.Email))

	if s.watchOnLogin && s.watch != nil {
		if _, err := s.watch.Register(ctx, info.ID); err != nil {
			s.logger.WarnContext(ctx, "watch registration after login failed", slog.String("account", info.ID), slog.Any("error", err))
		}
	}

	stored, err := s.accounts.GetAccount(ctx, info.ID)
	if err != nil {
		return nil, accountErr(err, info.ID)
	}
	summary := summarize(stored)
	return &summary, nil
}

// ListAccounts returns every account without credentials
func (s *AccountServiceImpl) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountSummary, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, summarize(a))
	}
	return out, nil
}

func summarize(a *db.Account) AccountSummary {
	sum := AccountSummary{
		AccountID:       a.AccountID,
		Email:           a.Email,
		WatchRegistered: a.WatchRegistered,
		TokenExpiry:     a.Expiry(),
	}
	if c, ok := a.Cursor(); ok {
		sum.HistoryCursor = &c
	}
	if a.WatchExpiration > 0 {
		sum.WatchExpiration = time.UnixMilli(a.WatchExpiration)
	}
	return sum
}

// grantedScopes prefers the scope list the token endpoint returned
func grantedScopes(tok *oauth2.Token, requested []string) []string {
	if s, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
		return strings.Fields(s)
	}
	return requested
}
