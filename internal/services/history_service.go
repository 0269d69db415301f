package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ajramos/gizreply/internal/db"
)

// Outcome is the result reported back to the push sender
type Outcome string

const (
	OutcomeInitialized Outcome = "initial historyId set"
	OutcomeNoChanges   Outcome = "no new changes"
	OutcomeProcessed   Outcome = "processed changes"
)

// HistoryTracker owns each account's history cursor. An account is
// UNINITIALIZED while its cursor is NULL and SYNCED afterwards. Read, fetch
// and advance run under a per-account lock.
type HistoryTracker struct {
	accounts    AccountStore
	credentials CredentialService
	mailboxes   MailboxFactory
	fetcher     *ChangeFetcher
	processor   MessageHandler
	locks       *KeyedMutex
	logger      *slog.Logger
}

// NewHistoryTracker wires the tracker. locks is shared with the watch service
// so registration and notifications for one account never interleave.
func NewHistoryTracker(accounts AccountStore, credentials CredentialService, mailboxes MailboxFactory,
	fetcher *ChangeFetcher, processor MessageHandler, locks *KeyedMutex, logger *slog.Logger) *HistoryTracker {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryTracker{
		accounts:    accounts,
		credentials: credentials,
		mailboxes:   mailboxes,
		fetcher:     fetcher,
		processor:   processor,
		locks:       locks,
		logger:      logger,
	}
}

// HandleNotification advances the account's cursor to the reported history id,
// processing every message added in between
func (t *HistoryTracker) HandleNotification(ctx context.Context, n Notification) (Outcome, error) {
	found, err := t.accounts.GetAccountByEmail(ctx, n.AccountIdentifier)
	if err != nil {
		return "", accountErr(err, n.AccountIdentifier)
	}
	accountID := found.AccountID
	log := t.logger.With(slog.String("account", accountID), slog.Uint64("history_id", n.ReportedCursor))

	unlock, err := t.locks.Lock(ctx, accountID)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Re-read under the lock; a concurrent notification may have advanced it
	acct, err := t.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return "", accountErr(err, accountID)
	}

	cursor, synced := acct.Cursor()
	if !synced {
		if _, err := t.accounts.InitCursor(ctx, accountID, n.ReportedCursor); err != nil {
			return "", accountErr(err, accountID)
		}
		log.InfoContext(ctx, "initial history id set")
		return OutcomeInitialized, nil
	}
	if n.ReportedCursor <= cursor {
		log.DebugContext(ctx, "no new changes", slog.Uint64("cursor", cursor))
		return OutcomeNoChanges, nil
	}

	cred, err := t.credentials.GetValidCredential(ctx, accountID)
	if err != nil {
		return "", err
	}
	mailbox, err := t.mailboxes.ForCredential(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("%w: open mailbox for %s: %w", ErrProvider, accountID, err)
	}

	ids, latest, err := t.fetcher.FetchAdded(ctx, mailbox, cursor, n.ReportedCursor)
	if err != nil {
		if errors.Is(err, ErrStaleHistoryCursor) {
			log.WarnContext(ctx, "history cursor expired, resync required", slog.Uint64("cursor", cursor))
		}
		return "", err
	}

	failed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			// Leave the cursor so the remaining messages are fetched again
			return "", fmt.Errorf("notification interrupted before %s: %w", id, err)
		}
		if err := t.processor.Process(ctx, acct, mailbox, id); err != nil {
			failed++
			log.ErrorContext(ctx, "message processing failed", slog.String("message_id", id), slog.Any("error", err))
		}
	}

	target := max(cursor, n.ReportedCursor, latest)
	stored, err := t.accounts.AdvanceCursor(ctx, accountID, target)
	if err != nil {
		return "", accountErr(err, accountID)
	}
	log.InfoContext(ctx, "processed changes",
		slog.Uint64("from", cursor),
		slog.Uint64("cursor", stored),
		slog.Int("messages", len(ids)),
		slog.Int("failed", failed))
	return OutcomeProcessed, nil
}

func accountErr(err error, key string) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return err
}
