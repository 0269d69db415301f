package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ajramos/gizreply/internal/db"
	"github.com/ajramos/gizreply/internal/services"
	"github.com/ajramos/gizreply/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) HandleNotification(ctx context.Context, n services.Notification) (services.Outcome, error) {
	args := m.Called(ctx, n)
	return args.Get(0).(services.Outcome), args.Error(1)
}

type MockAccountService struct {
	mock.Mock
}

func (m *MockAccountService) BeginLogin(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockAccountService) CompleteLogin(ctx context.Context, state, code string) (*services.AccountSummary, error) {
	args := m.Called(ctx, state, code)
	sum, _ := args.Get(0).(*services.AccountSummary)
	return sum, args.Error(1)
}

func (m *MockAccountService) ListAccounts(ctx context.Context) ([]services.AccountSummary, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]services.AccountSummary)
	return list, args.Error(1)
}

type MockWatchService struct {
	mock.Mock
}

func (m *MockWatchService) Register(ctx context.Context, accountID string) (*services.WatchStatus, error) {
	args := m.Called(ctx, accountID)
	st, _ := args.Get(0).(*services.WatchStatus)
	return st, args.Error(1)
}

func (m *MockWatchService) Unwatch(ctx context.Context, accountID string) error {
	return m.Called(ctx, accountID).Error(0)
}

func (m *MockWatchService) RegisterAll(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type fixture struct {
	notifications *MockNotificationService
	accounts      *MockAccountService
	watch         *MockWatchService
	pool          *workers.Pool
	server        *Server
}

func newFixture(t *testing.T, pushToken string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		notifications: new(MockNotificationService),
		accounts:      new(MockAccountService),
		watch:         new(MockWatchService),
		pool:          workers.NewPool(2, 4, logger),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.pool.Close(ctx)
	})
	f.server = New(Options{
		Notifications:       f.notifications,
		Accounts:            f.accounts,
		Watch:               f.watch,
		Pool:                f.pool,
		PushToken:           pushToken,
		NotificationTimeout: time.Minute,
		Logger:              logger,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func pushBody(email string, historyID uint64) io.Reader {
	data := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf(`{"emailAddress":%q,"historyId":%d}`, email, historyID)))
	return strings.NewReader(fmt.Sprintf(`{"message":{"data":%q,"messageId":"pm-1"},"subscription":"projects/p/subscriptions/s"}`, data))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhook_Outcomes(t *testing.T) {
	f := newFixture(t, "")
	want := services.Notification{AccountIdentifier: "me@example.com", ReportedCursor: 53}
	f.notifications.On("HandleNotification", mock.Anything, want).Return(services.OutcomeProcessed, nil).Once()

	rec := f.do(t, http.MethodPost, "/gmail/webhook", pushBody("me@example.com", 53))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed changes", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	f.notifications.AssertExpectations(t)
}

func TestWebhook_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		resync bool
	}{
		{"unknown_account", fmt.Errorf("%w: x@example.com", services.ErrAccountNotFound), http.StatusNotFound, false},
		{"auth", fmt.Errorf("%w: refresh", services.ErrAuth), http.StatusUnauthorized, false},
		{"stale", fmt.Errorf("%w: start 5", services.ErrStaleHistoryCursor), http.StatusInternalServerError, true},
		{"provider", fmt.Errorf("%w: boom", services.ErrProvider), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.notifications.On("HandleNotification", mock.Anything, mock.Anything).Return(services.Outcome(""), tt.err).Once()

			rec := f.do(t, http.MethodPost, "/gmail/webhook", pushBody("me@example.com", 9))
			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.NotEmpty(t, body["error"])
			if tt.resync {
				assert.Equal(t, true, body["resync_required"])
			} else {
				assert.NotContains(t, body, "resync_required")
			}
		})
	}
}

func TestWebhook_Malformed(t *testing.T) {
	f := newFixture(t, "")
	for _, body := range []string{
		`not json`,
		`{"message":{}}`,
		`{"message":{"data":"%%%"}}`,
		`{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"a@b.c"}`)) + `"}}`,
	} {
		rec := f.do(t, http.MethodPost, "/gmail/webhook", strings.NewReader(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	f.notifications.AssertNotCalled(t, "HandleNotification", mock.Anything, mock.Anything)
}

func TestWebhook_PushToken(t *testing.T) {
	f := newFixture(t, "s3cret")
	f.notifications.On("HandleNotification", mock.Anything, mock.Anything).Return(services.OutcomeNoChanges, nil).Once()

	rec := f.do(t, http.MethodPost, "/gmail/webhook?token=wrong", pushBody("me@example.com", 1))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/gmail/webhook?token=s3cret", pushBody("me@example.com", 1))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no new changes", decode(t, rec)["status"])
}

func TestWebhook_PoolClosed(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.pool.Close(ctx))

	rec := f.do(t, http.MethodPost, "/gmail/webhook", pushBody("me@example.com", 1))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_TaskOutlivesRequestCancel(t *testing.T) {
	f := newFixture(t, "")
	done := make(chan error, 1)
	f.notifications.On("HandleNotification", mock.Anything, mock.Anything).
		Return(services.OutcomeProcessed, nil).Once().
		Run(func(args mock.Arguments) {
			time.Sleep(20 * time.Millisecond)
			done <- args.Get(0).(context.Context).Err()
		})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/gmail/webhook", pushBody("me@example.com", 2)).WithContext(ctx)
	rec := httptest.NewRecorder()
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	f.server.Handler().ServeHTTP(rec, req)

	assert.NoError(t, <-done, "pipeline context is detached from the request")
}

func TestWebhook_TaskContextReleasedAfterResponse(t *testing.T) {
	f := newFixture(t, "")
	var taskCtx context.Context
	f.notifications.On("HandleNotification", mock.Anything, mock.Anything).
		Return(services.OutcomeNoChanges, nil).Once().
		Run(func(args mock.Arguments) { taskCtx = args.Get(0).(context.Context) })

	rec := f.do(t, http.MethodPost, "/gmail/webhook", pushBody("me@example.com", 3))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, taskCtx)
	assert.ErrorIs(t, taskCtx.Err(), context.Canceled)
}

func TestWebhook_ExpiredWhileQueued(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := workers.NewPool(1, 4, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	notifications := new(MockNotificationService)
	srv := New(Options{
		Notifications:       notifications,
		Pool:                pool,
		NotificationTimeout: 5 * time.Millisecond,
		Logger:              logger,
	})

	release := make(chan struct{})
	_, err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()

	req := httptest.NewRequest(http.MethodPost, "/gmail/webhook", pushBody("me@example.com", 4))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	notifications.AssertNotCalled(t, "HandleNotification", mock.Anything, mock.Anything)
}

func TestLoginRedirect(t *testing.T) {
	f := newFixture(t, "")
	f.accounts.On("BeginLogin", mock.Anything).Return("https://accounts.google.com/o/oauth2/auth?state=abc", nil).Once()

	rec := f.do(t, http.MethodGet, "/login", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://accounts.google.com/o/oauth2/auth?state=abc", rec.Header().Get("Location"))
}

func TestOAuthCallback(t *testing.T) {
	f := newFixture(t, "")
	f.accounts.On("CompleteLogin", mock.Anything, "good", "code").
		Return(&services.AccountSummary{AccountID: "g-1", Email: "me@example.com"}, nil).Once()
	f.accounts.On("CompleteLogin", mock.Anything, "forged", "code").
		Return(nil, fmt.Errorf("consume: %w", db.ErrInvalidState)).Once()
	f.accounts.On("CompleteLogin", mock.Anything, "good2", "bad").
		Return(nil, fmt.Errorf("%w: exchange", services.ErrAuth)).Once()

	rec := f.do(t, http.MethodGet, "/oauth2callback?state=good&code=code", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "g-1", decode(t, rec)["account_id"])

	rec = f.do(t, http.MethodGet, "/oauth2callback?state=forged&code=code", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/oauth2callback?state=good2&code=bad", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/oauth2callback?error=access_denied", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountsAndWatch(t *testing.T) {
	f := newFixture(t, "")
	cursor := uint64(42)
	f.accounts.On("ListAccounts", mock.Anything).
		Return([]services.AccountSummary{{AccountID: "g-1", Email: "me@example.com", HistoryCursor: &cursor}}, nil).Once()
	f.watch.On("Register", mock.Anything, "g-1").
		Return(&services.WatchStatus{AccountID: "g-1", HistoryID: 42}, nil).Once()
	f.watch.On("Register", mock.Anything, "ghost").
		Return(nil, fmt.Errorf("%w: ghost", services.ErrAccountNotFound)).Once()
	f.watch.On("Unwatch", mock.Anything, "g-1").Return(nil).Once()

	rec := f.do(t, http.MethodGet, "/accounts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, float64(42), list[0]["history_cursor"])
	assert.NotContains(t, list[0], "access_token")

	rec = f.do(t, http.MethodPost, "/accounts/g-1/watch", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(42), decode(t, rec)["history_id"])

	rec = f.do(t, http.MethodPost, "/accounts/ghost/watch", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/accounts/g-1/watch", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	f.watch.AssertExpectations(t)
}

func TestHealthAndMethods(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "version")

	assert.NotContains(t, body, "llm")

	rec = f.do(t, http.MethodGet, "/gmail/webhook", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type stubHealth bool

func (p stubHealth) Reachable(context.Context) bool { return bool(p) }

func TestHealth_ReportsGenerator(t *testing.T) {
	for _, tt := range []struct {
		name      string
		reachable bool
		status    string
		llm       string
	}{
		{"reachable", true, "ok", "ok"},
		{"unreachable", false, "degraded", "unreachable"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(Options{Generator: stubHealth(tt.reachable), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.llm, body["llm"])
		})
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.server.Serve(ctx, ln, time.Second) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNotificationError_QueueFull(t *testing.T) {
	status, _ := notificationError(fmt.Errorf("submit: %w", workers.ErrQueueFull))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	status, _ = notificationError(errors.New("other"))
	assert.Equal(t, http.StatusInternalServerError, status)
}
