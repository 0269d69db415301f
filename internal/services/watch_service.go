package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// WatchStatus reports the result of a watch registration
type WatchStatus struct {
	AccountID    string `json:"account_id"`
	HistoryID    uint64 `json:"history_id"`
	Expiration   int64  `json:"expiration"`
	CursorSeeded bool   `json:"cursor_seeded"`
}

// WatchServiceImpl registers and cancels Gmail push notifications
type WatchServiceImpl struct {
	accounts    AccountStore
	credentials CredentialService
	mailboxes   MailboxFactory
	locks       *KeyedMutex
	topic       string
	labelIDs    []string
	logger      *slog.Logger
}

// NewWatchService creates a watch service. locks must be the tracker's.
func NewWatchService(accounts AccountStore, credentials CredentialService, mailboxes MailboxFactory,
	locks *KeyedMutex, topic string, labelIDs []string, logger *slog.Logger) *WatchServiceImpl {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if len(labelIDs) == 0 {
		labelIDs = []string{"INBOX"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchServiceImpl{
		accounts:    accounts,
		credentials: credentials,
		mailboxes:   mailboxes,
		locks:       locks,
		topic:       topic,
		labelIDs:    labelIDs,
		logger:      logger,
	}
}

// Register (re)registers the watch. The returned history id seeds the cursor
// only while the account is still UNINITIALIZED.
func (s *WatchServiceImpl) Register(ctx context.Context, accountID string) (*WatchStatus, error) {
	if strings.TrimSpace(s.topic) == "" {
		return nil, fmt.Errorf("pubsub topic not configured")
	}
	unlock, err := s.locks.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	mailbox, err := s.open(ctx, accountID)
	if err != nil {
		return nil, err
	}
	res, err := mailbox.Watch(ctx, s.topic, s.labelIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: watch %s: %w", ErrProvider, accountID, err)
	}
	if err := s.accounts.SetWatch(ctx, accountID, true, res.Expiration); err != nil {
		return nil, accountErr(err, accountID)
	}
	seeded, err := s.accounts.InitCursor(ctx, accountID, res.HistoryID)
	if err != nil {
		return nil, accountErr(err, accountID)
	}

	s.logger.InfoContext(ctx, "watch registered",
		slog.String("account", accountID),
		slog.Uint64("history_id", res.HistoryID),
		slog.Time("expiration", time.UnixMilli(res.Expiration)),
		slog.Bool("cursor_seeded", seeded))
	return &WatchStatus{AccountID: accountID, HistoryID: res.HistoryID, Expiration: res.Expiration, CursorSeeded: seeded}, nil
}

// Unwatch stops notifications and deletes the account
func (s *WatchServiceImpl) Unwatch(ctx context.Context, accountID string) error {
	unlock, err := s.locks.Lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	mailbox, err := s.open(ctx, accountID)
	if err != nil {
		return err
	}
	if err := mailbox.Stop(ctx); err != nil {
		return fmt.Errorf("%w: stop %s: %w", ErrProvider, accountID, err)
	}
	if err := s.accounts.DeleteAccount(ctx, accountID); err != nil {
		return accountErr(err, accountID)
	}
	s.logger.InfoContext(ctx, "watch stopped, account deleted", slog.String("account", accountID))
	return nil
}

// RegisterAll renews the watch of every account and returns how many succeeded
func (s *WatchServiceImpl) RegisterAll(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	var (
		ok   int
		errs []error
	)
	for _, a := range accounts {
		if _, err := s.Register(ctx, a.AccountID); err != nil {
			s.logger.WarnContext(ctx, "watch renewal failed", slog.String("account", a.AccountID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", a.Email, err))
			continue
		}
		ok++
	}
	return ok, errors.Join(errs...)
}

// RenewLoop calls RegisterAll every interval until ctx is done
func (s *WatchServiceImpl) RenewLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.RegisterAll(ctx)
			s.logger.InfoContext(ctx, "watch renewal finished", slog.Int("renewed", n), slog.Bool("errors", err != nil))
		}
	}
}

func (s *WatchServiceImpl) open(ctx context.Context, accountID string) (Mailbox, error) {
	cred, err := s.credentials.GetValidCredential(ctx, accountID)
	if err != nil {
		return nil, err
	}
	mailbox, err := s.mailboxes.ForCredential(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("%w: open mailbox for %s: %w", ErrProvider, accountID, err)
	}
	return mailbox, nil
}
