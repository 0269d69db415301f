package services

import (
	"context"

	"github.com/ajramos/gizreply/internal/db"
	"github.com/ajramos/gizreply/internal/gmail"
)

// Mailbox is the provider capability set the pipeline needs for one account
type Mailbox interface {
	GetMessage(ctx context.Context, id string) (*gmail.Message, error)
	GetLabels(ctx context.Context, id string) ([]string, error)
	MarkAsRead(ctx context.Context, id string) error
	SendMessage(ctx context.Context, raw []byte, threadID string) (string, error)
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.HistoryPage, error)
	Watch(ctx context.Context, topic string, labelIDs []string) (*gmail.WatchResult, error)
	Stop(ctx context.Context) error
}

// MailboxFactory opens a Mailbox authorized with a valid credential
type MailboxFactory interface {
	ForCredential(ctx context.Context, cred *Credential) (Mailbox, error)
}

// AccountStore persists accounts, credentials and history cursors
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*db.Account, error)
	ListAccounts(ctx context.Context) ([]*db.Account, error)
	UpsertAccount(ctx context.Context, a *db.Account) error
	UpdateToken(ctx context.Context, accountID string, upd db.TokenUpdate) error
	InitCursor(ctx context.Context, accountID string, cursor uint64) (bool, error)
	AdvanceCursor(ctx context.Context, accountID string, cursor uint64) (uint64, error)
	SetWatch(ctx context.Context, accountID string, registered bool, expiration int64) error
	DeleteAccount(ctx context.Context, accountID string) error
}

// StateStore issues and consumes single-use OAuth states
type StateStore interface {
	Create(ctx context.Context) (string, error)
	Consume(ctx context.Context, state string) error
}

// CredentialService produces currently-valid credentials
type CredentialService interface {
	GetValidCredential(ctx context.Context, accountID string) (*Credential, error)
}

// ReplyGenerator turns an email body into reply text. Available reports
// whether a backend is configured at all.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, body string) (string, error)
	Available() bool
}

// GeneratorHealth reports whether the reply backend answers right now
type GeneratorHealth interface {
	Reachable(ctx context.Context) bool
}

// MessageHandler processes one newly added message of an account
type MessageHandler interface {
	Process(ctx context.Context, acct *db.Account, mailbox Mailbox, messageID string) error
}

// NotificationService runs one decoded notification through the pipeline
type NotificationService interface {
	HandleNotification(ctx context.Context, n Notification) (Outcome, error)
}

// AccountService handles the consent flow and account listing
type AccountService interface {
	BeginLogin(ctx context.Context) (string, error)
	CompleteLogin(ctx context.Context, state, code string) (*AccountSummary, error)
	ListAccounts(ctx context.Context) ([]AccountSummary, error)
}

// WatchService manages push notification registration
type WatchService interface {
	Register(ctx context.Context, accountID string) (*WatchStatus, error)
	Unwatch(ctx context.Context, accountID string) error
	RegisterAll(ctx context.Context) (int, error)
}
