package services

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ajramos/gizreply/internal/db"
	"github.com/ajramos/gizreply/internal/gmail"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLLMProvider implements llm.Provider for testing
type MockLLMProvider struct {
	mock.Mock
}

func (m *MockLLMProvider) Name() string {
	return "mock"
}

func (m *MockLLMProvider) Generate(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

// MockMailbox implements Mailbox for testing
type MockMailbox struct {
	mock.Mock
}

func (m *MockMailbox) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*gmail.Message)
	return msg, args.Error(1)
}

func (m *MockMailbox) GetLabels(ctx context.Context, id string) ([]string, error) {
	args := m.Called(ctx, id)
	labels, _ := args.Get(0).([]string)
	return labels, args.Error(1)
}

func (m *MockMailbox) MarkAsRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMailbox) SendMessage(ctx context.Context, raw []byte, threadID string) (string, error) {
	args := m.Called(ctx, raw, threadID)
	return args.String(0), args.Error(1)
}

func (m *MockMailbox) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.HistoryPage, error) {
	args := m.Called(ctx, startHistoryID, pageToken)
	page, _ := args.Get(0).(*gmail.HistoryPage)
	return page, args.Error(1)
}

func (m *MockMailbox) Watch(ctx context.Context, topic string, labelIDs []string) (*gmail.WatchResult, error) {
	args := m.Called(ctx, topic, labelIDs)
	res, _ := args.Get(0).(*gmail.WatchResult)
	return res, args.Error(1)
}

func (m *MockMailbox) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockReplyGenerator implements ReplyGenerator for testing
type MockReplyGenerator struct {
	mock.Mock
	Unavailable bool
}

func (m *MockReplyGenerator) Available() bool { return !m.Unavailable }

func (m *MockReplyGenerator) GenerateReply(ctx context.Context, body string) (string, error) {
	args := m.Called(ctx, body)
	return args.String(0), args.Error(1)
}

// MockCredentialService implements CredentialService for testing
type MockCredentialService struct {
	mock.Mock
}

func (m *MockCredentialService) GetValidCredential(ctx context.Context, accountID string) (*Credential, error) {
	args := m.Called(ctx, accountID)
	cred, _ := args.Get(0).(*Credential)
	return cred, args.Error(1)
}

// MockMessageHandler implements MessageHandler for testing
type MockMessageHandler struct {
	mock.Mock
}

func (m *MockMessageHandler) Process(ctx context.Context, acct *db.Account, mailbox Mailbox, messageID string) error {
	args := m.Called(ctx, acct, mailbox, messageID)
	return args.Error(0)
}

// MockWatchService implements WatchService for testing
type MockWatchService struct {
	mock.Mock
}

func (m *MockWatchService) Register(ctx context.Context, accountID string) (*WatchStatus, error) {
	args := m.Called(ctx, accountID)
	st, _ := args.Get(0).(*WatchStatus)
	return st, args.Error(1)
}

func (m *MockWatchService) Unwatch(ctx context.Context, accountID string) error {
	return m.Called(ctx, accountID).Error(0)
}

func (m *MockWatchService) RegisterAll(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// staticMailboxFactory always hands out the same mailbox
type staticMailboxFactory struct {
	mailbox Mailbox
	err     error
	calls   int
}

func (f *staticMailboxFactory) ForCredential(ctx context.Context, cred *Credential) (Mailbox, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.mailbox, nil
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetry retries quickly so tests do not sleep
func fastRetry(attempts int) RetryPolicy {
	return NewRetryPolicy(attempts, time.Millisecond, 2*time.Millisecond, 2)
}

// newTestAccounts opens a SQLite account store in a temp dir
func newTestAccounts(t *testing.T) (*db.Store, *db.AccountStore) {
	t.Helper()
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "gizreply.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, db.NewAccountStore(store)
}

// seedTestAccount inserts an account with a valid token and optional cursor
func seedTestAccount(t *testing.T, accounts *db.AccountStore, id, email string, cursor *uint64) *db.Account {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, accounts.UpsertAccount(ctx, &db.Account{
		AccountID:     id,
		Email:         email,
		AccessToken:   "access-" + id,
		RefreshToken:  "refresh-" + id,
		TokenEndpoint: "https://oauth2.googleapis.com/token",
		ClientID:      "client",
		ClientSecret:  "secret",
	}))
	if cursor != nil {
		_, err := accounts.InitCursor(ctx, id, *cursor)
		require.NoError(t, err)
	}
	acct, err := accounts.GetAccount(ctx, id)
	require.NoError(t, err)
	return acct
}

func ptr[T any](v T) *T { return &v }
