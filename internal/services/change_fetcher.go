package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ajramos/gizreply/internal/gmail"
)

// ChangeFetcher walks the provider change log for added messages
type ChangeFetcher struct {
	retry  RetryPolicy
	logger *slog.Logger
}

// NewChangeFetcher creates a change fetcher
func NewChangeFetcher(retry RetryPolicy, logger *slog.Logger) *ChangeFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFetcher{retry: retry, logger: logger}
}

// FetchAdded returns the ids of messages added after from, in delivered order
// and without duplicates, plus the latest history id the provider reported.
// The provider list has no upper bound, so ids past to are included as well.
func (f *ChangeFetcher) FetchAdded(ctx context.Context, mailbox Mailbox, from, to uint64) ([]string, uint64, error) {
	var (
		ids       []string
		seen      = make(map[string]struct{})
		latest    uint64
		pageToken string
		pages     int
	)

	for {
		var page *gmail.HistoryPage
		err := f.retry.Do(ctx, func(ctx context.Context) error {
			p, err := mailbox.ListHistory(ctx, from, pageToken)
			page = p
			return err
		})
		if err != nil {
			if gmail.IsNotFound(err) {
				return nil, 0, fmt.Errorf("%w: start history id %d: %w", ErrStaleHistoryCursor, from, err)
			}
			return nil, 0, fmt.Errorf("%w: list history from %d: %w", ErrProvider, from, err)
		}
		pages++

		for _, id := range page.MessageIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if page.HistoryID > latest {
			latest = page.HistoryID
		}

		if page.NextPageToken == "" {
			break
		}
		if page.NextPageToken == pageToken {
			return nil, 0, fmt.Errorf("%w: history page token %q repeated", ErrProvider, pageToken)
		}
		pageToken = page.NextPageToken
	}

	f.logger.DebugContext(ctx, "history fetched",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Uint64("latest", latest),
		slog.Int("pages", pages),
		slog.Int("messages", len(ids)))
	return ids, latest, nil
}
