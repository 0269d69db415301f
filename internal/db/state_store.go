package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrInvalidState is returned for unknown, reused or expired OAuth states
var ErrInvalidState = errors.New("invalid or expired oauth state")

// StateStore keeps the single-use correlation tokens of the consent flow
type StateStore struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

// NewStateStore creates a state store; ttl <= 0 defaults to 10 minutes
func NewStateStore(store *Store, ttl time.Duration) *StateStore {
	if store == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateStore{db: store.DB(), ttl: ttl, now: time.Now}
}

// Create issues a new state token and prunes expired ones
func (s *StateStore) Create(ctx context.Context) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("state store not initialized")
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= ?`, now.Unix()); err != nil {
		return "", fmt.Errorf("prune oauth states: %w", err)
	}
	state := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO oauth_states(state, created_at, expires_at) VALUES(?,?,?)`,
		state, now.Unix(), now.Add(s.ttl).Unix())
	if err != nil {
		return "", fmt.Errorf("save oauth state: %w", err)
	}
	return state, nil
}

// Consume validates and deletes a state token in one statement
func (s *StateStore) Consume(ctx context.Context, state string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	if strings.TrimSpace(state) == "" {
		return ErrInvalidState
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE state=? AND expires_at > ?`, state, s.now().Unix())
	if err != nil {
		return fmt.Errorf("consume oauth state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidState
	}
	return nil
}
