package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no account matches the lookup
var ErrNotFound = errors.New("account not found")

// Account is the persisted per-mailbox record. AccountID (the provider-issued
// user id) is the only key used for writes; Email only resolves notifications.
type Account struct {
	AccountID       string        `db:"account_id"`
	Email           string        `db:"email"`
	AccessToken     string        `db:"access_token"`
	RefreshToken    string        `db:"refresh_token"`
	TokenExpiry     int64         `db:"token_expiry"`
	TokenEndpoint   string        `db:"token_endpoint"`
	ClientID        string        `db:"client_id"`
	ClientSecret    string        `db:"client_secret"`
	Scopes          string        `db:"scopes"`
	HistoryCursor   sql.NullInt64 `db:"history_cursor"`
	WatchRegistered bool          `db:"watch_registered"`
	WatchExpiration int64         `db:"watch_expiration"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

// Cursor returns the history cursor and whether it has been initialized
func (a *Account) Cursor() (uint64, bool) {
	if a == nil || !a.HistoryCursor.Valid {
		return 0, false
	}
	return uint64(a.HistoryCursor.Int64), true
}

// ScopeList returns the granted scopes as a slice
func (a *Account) ScopeList() []string {
	if a == nil || strings.TrimSpace(a.Scopes) == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(a.Scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Expiry returns the access token expiry, zero when unknown
func (a *Account) Expiry() time.Time {
	if a == nil || a.TokenExpiry <= 0 {
		return time.Time{}
	}
	return time.Unix(a.TokenExpiry, 0)
}

// TokenUpdate carries the result of a credential refresh
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string // empty keeps the stored refresh token
	Expiry       time.Time
}

// AccountStore handles account persistence
type AccountStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewAccountStore creates a new account store from a base store
func NewAccountStore(store *Store) *AccountStore {
	if store == nil {
		return nil
	}
	return &AccountStore{db: store.DB(), now: time.Now}
}

const accountColumns = `account_id, email, access_token, refresh_token, token_expiry, token_endpoint,
client_id, client_secret, scopes, history_cursor, watch_registered, watch_expiration, created_at, updated_at`

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AccountStore) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("account store not initialized")
	}
	return nil
}

// UpsertAccount creates the account or refreshes its credential fields after
// a new consent. The history cursor and watch state are left untouched.
func (s *AccountStore) UpsertAccount(ctx context.Context, a *Account) error {
	if err := s.ready(); err != nil {
		return err
	}
	if a == nil || strings.TrimSpace(a.AccountID) == "" || strings.TrimSpace(a.Email) == "" {
		return fmt.Errorf("invalid account inputs")
	}
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts(account_id, email, access_token, refresh_token, token_expiry,
  token_endpoint, client_id, client_secret, scopes, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET
  email=excluded.email,
  access_token=excluded.access_token,
  refresh_token=CASE WHEN excluded.refresh_token <> '' THEN excluded.refresh_token ELSE accounts.refresh_token END,
  token_expiry=excluded.token_expiry,
  token_endpoint=excluded.token_endpoint,
  client_id=excluded.client_id,
  client_secret=excluded.client_secret,
  scopes=excluded.scopes,
  updated_at=excluded.updated_at;
`, a.AccountID, normalizeEmail(a.Email), a.AccessToken, a.RefreshToken, a.TokenExpiry,
		a.TokenEndpoint, a.ClientID, a.ClientSecret, a.Scopes, now, now)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.AccountID, err)
	}
	return nil
}

// GetAccount loads an account by id
func (s *AccountStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var a Account
	err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE account_id=?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}
	return &a, nil
}

// GetAccountByEmail resolves the mailbox address carried by notifications
func (s *AccountStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var a Account
	err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE email=?`, normalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", email, err)
	}
	return &a, nil
}

// ListAccounts returns every account ordered by email
func (s *AccountStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []*Account
	if err := s.db.SelectContext(ctx, &out, `SELECT `+accountColumns+` FROM accounts ORDER BY email`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// UpdateToken persists a refreshed access token for one account
func (s *AccountStore) UpdateToken(ctx context.Context, accountID string, upd TokenUpdate) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(upd.AccessToken) == "" {
		return fmt.Errorf("empty access token")
	}
	var expiry int64
	if !upd.Expiry.IsZero() {
		expiry = upd.Expiry.Unix()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET
  access_token=?,
  refresh_token=CASE WHEN ? <> '' THEN ? ELSE refresh_token END,
  token_expiry=?,
  updated_at=?
WHERE account_id=?`, upd.AccessToken, upd.RefreshToken, upd.RefreshToken, expiry, s.now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("update token %s: %w", accountID, err)
	}
	return expectRow(res, accountID)
}

// InitCursor sets the history cursor only when it is still NULL. It reports
// whether this call performed the UNINITIALIZED -> SYNCED transition.
func (s *AccountStore) InitCursor(ctx context.Context, accountID string, cursor uint64) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET history_cursor=?, updated_at=?
WHERE account_id=? AND history_cursor IS NULL`, int64(cursor), s.now().Unix(), accountID)
	if err != nil {
		return false, fmt.Errorf("init cursor %s: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// AdvanceCursor moves the cursor forward to max(current, cursor) and returns
// the stored value. The cursor never decreases.
func (s *AccountStore) AdvanceCursor(ctx context.Context, accountID string, cursor uint64) (uint64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET
  history_cursor=CASE WHEN history_cursor IS NULL OR history_cursor < ? THEN ? ELSE history_cursor END,
  updated_at=?
WHERE account_id=?`, int64(cursor), int64(cursor), s.now().Unix(), accountID)
	if err != nil {
		return 0, fmt.Errorf("advance cursor %s: %w", accountID, err)
	}
	if err := expectRow(res, accountID); err != nil {
		return 0, err
	}
	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	stored, _ := a.Cursor()
	return stored, nil
}

// SetWatch records the watch registration state
func (s *AccountStore) SetWatch(ctx context.Context, accountID string, registered bool, expiration int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET watch_registered=?, watch_expiration=?, updated_at=?
WHERE account_id=?`, registered, expiration, s.now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("set watch %s: %w", accountID, err)
	}
	return expectRow(res, accountID)
}

// DeleteAccount removes the account record
func (s *AccountStore) DeleteAccount(ctx context.Context, accountID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id=?`, accountID)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", accountID, err)
	}
	return expectRow(res, accountID)
}

func expectRow(res sql.Result, accountID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	return nil
}
