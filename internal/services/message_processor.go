package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ajramos/gizreply/internal/db"
	"github.com/ajramos/gizreply/internal/gmail"
	"github.com/emersion/go-message/mail"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	labelUnread = "UNREAD"
	labelSent   = "SENT"
	labelDraft  = "DRAFT"

	defaultSubject = "No subject"
	defaultSender  = "Unknown"
)

// MessageProcessor decides whether a new message gets an automatic reply,
// claims it by marking it read and sends the generated reply.
//
// Marking read is a best-effort claim, not a lock: the label re-check right
// before the claim skips messages another delivery already took, but two
// processors racing between the re-check and the modify can both reply.
type MessageProcessor struct {
	generator   ReplyGenerator
	dispatcher  *ReplyDispatcher
	retry       RetryPolicy
	claims      *lru.Cache[string, struct{}]
	settleDelay time.Duration
	logger      *slog.Logger
}

// ProcessorOptions tunes a MessageProcessor
type ProcessorOptions struct {
	Retry          RetryPolicy
	ClaimCacheSize int
	SettleDelay    time.Duration
}

// NewMessageProcessor creates a message processor
func NewMessageProcessor(generator ReplyGenerator, dispatcher *ReplyDispatcher, opts ProcessorOptions, logger *slog.Logger) (*MessageProcessor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.ClaimCacheSize
	if size <= 0 {
		size = 4096
	}
	claims, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create claim cache: %w", err)
	}
	if dispatcher == nil {
		dispatcher = NewReplyDispatcher(logger)
	}
	return &MessageProcessor{
		generator:   generator,
		dispatcher:  dispatcher,
		retry:       opts.Retry,
		claims:      claims,
		settleDelay: opts.SettleDelay,
		logger:      logger,
	}, nil
}

// Process handles one message. A nil error with no reply means the message
// was skipped. Failures after the claim never unclaim the message; with no
// generator configured nothing is claimed.
func (p *MessageProcessor) Process(ctx context.Context, acct *db.Account, mailbox Mailbox, messageID string) error {
	log := p.logger.With(slog.String("account", acct.AccountID), slog.String("message_id", messageID))
	claimKey := acct.AccountID + "/" + messageID
	if p.claims.Contains(claimKey) {
		log.DebugContext(ctx, "message already claimed by this process")
		return nil
	}
	// Without a generator the claim would mark mail read that is never answered
	if !p.generator.Available() {
		return fmt.Errorf("%w: no reply generator configured, leaving %s unread", ErrGeneration, messageID)
	}

	var msg *gmail.Message
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		m, err := mailbox.GetMessage(ctx, messageID)
		msg = m
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: fetch message %s: %w", ErrProvider, messageID, err)
	}

	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	sender := strings.TrimSpace(msg.From)
	if sender == "" {
		sender = defaultSender
	}

	if msg.HasLabel(labelSent) || msg.HasLabel(labelDraft) {
		log.DebugContext(ctx, "skipping outgoing message")
		return nil
	}
	from, err := mail.ParseAddress(sender)
	if err != nil {
		log.WarnContext(ctx, "skipping message with unparsable sender", slog.String("from", sender))
		return nil
	}
	if strings.EqualFold(from.Address, acct.Email) {
		log.DebugContext(ctx, "skipping message sent by the account itself")
		return nil
	}

	body := gmail.ExtractPlainText(msg.Body)

	if p.settleDelay > 0 {
		t := time.NewTimer(p.settleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	// Claim check: the change-log event may be stale by now
	var labels []string
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		l, err := mailbox.GetLabels(ctx, messageID)
		labels = l
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: re-check labels of %s: %w", ErrProvider, messageID, err)
	}
	if !containsString(labels, labelUnread) {
		log.InfoContext(ctx, "message no longer unread, skipping")
		return nil
	}

	err = p.retry.Do(ctx, func(ctx context.Context) error {
		return mailbox.MarkAsRead(ctx, messageID)
	})
	if err != nil {
		return fmt.Errorf("%w: claim %s: %w", ErrProvider, messageID, err)
	}
	p.claims.Add(claimKey, struct{}{})
	log.DebugContext(ctx, "message claimed")

	var reply string
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		r, err := p.generator.GenerateReply(ctx, body)
		reply = r
		return err
	})
	if err != nil {
		if errors.Is(err, ErrGeneration) {
			return fmt.Errorf("reply for %s: %w", messageID, err)
		}
		return fmt.Errorf("%w: reply for %s: %w", ErrGeneration, messageID, err)
	}

	req := ReplyRequest{
		MessageID:  messageID,
		ThreadID:   msg.ThreadID,
		To:         from.String(),
		Subject:    subject,
		Body:       reply,
		InReplyTo:  msg.MessageIDHeader,
		References: msg.References,
	}
	if err := p.dispatcher.SendReply(ctx, mailbox, req); err != nil {
		return err
	}

	log.InfoContext(ctx, "reply sent", slog.String("to", from.Address), slog.String("subject", subject))
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
