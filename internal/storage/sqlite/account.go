package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	agate "github.com/cascadelabs/agate/internal"
)

// Init heals rows whose token or quota column is plaintext JSON left over
// from a pre-encryption schema. Healed rows are re-sealed in place inside a
// single transaction. Idempotent: encrypted rows are untouched.
func (s *Store) Init(ctx context.Context) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin heal: %v", agate.ErrStorage, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, token, quota FROM accounts WHERE token LIKE '{%' OR quota LIKE '{%'`)
	if err != nil {
		return fmt.Errorf("%w: scan plaintext rows: %v", agate.ErrStorage, err)
	}

	type heal struct {
		id           string
		token, quota sql.NullString
	}
	var pending []heal
	for rows.Next() {
		var h heal
		if err := rows.Scan(&h.id, &h.token, &h.quota); err != nil {
			rows.Close()
			return fmt.Errorf("%w: scan: %v", agate.ErrStorage, err)
		}
		pending = append(pending, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", agate.ErrStorage, err)
	}

	for _, h := range pending {
		if h.token.Valid && isPlaintextJSON(h.token.String) {
			sealed, err := s.box.seal([]byte(h.token.String))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE accounts SET token=? WHERE id=?`, sealed, h.id); err != nil {
				return fmt.Errorf("%w: heal token: %v", agate.ErrStorage, err)
			}
		}
		if h.quota.Valid && isPlaintextJSON(h.quota.String) {
			sealed, err := s.box.seal([]byte(h.quota.String))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE accounts SET quota=? WHERE id=?`, sealed, h.id); err != nil {
				return fmt.Errorf("%w: heal quota: %v", agate.ErrStorage, err)
			}
		}
		slog.Info("re-encrypted legacy account row", "id", h.id)
	}

	return tx.Commit()
}

// Add upserts an account by ID. When the account is marked active, every
// other row is demoted within the same transaction (active-singleton).
func (s *Store) Add(ctx context.Context, a *agate.Account) error {
	tokenCol, err := s.sealToken(a.Token)
	if err != nil {
		return err
	}
	quotaCol, err := s.sealQuota(a.Quota)
	if err != nil {
		return err
	}
	modelsCol, err := marshalJSON(a.SelectedModels)
	if err != nil {
		return err
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin add: %v", agate.ErrStorage, err)
	}
	defer tx.Rollback()

	if a.IsActive {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active=0 WHERE id<>?`, a.ID); err != nil {
			return fmt.Errorf("%w: demote: %v", agate.ErrStorage, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, provider, email, name, avatar_url, token, quota,
		 selected_models, created_at, last_used, status, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider=excluded.provider, email=excluded.email, name=excluded.name,
		   avatar_url=excluded.avatar_url, token=excluded.token, quota=excluded.quota,
		   selected_models=excluded.selected_models, last_used=excluded.last_used,
		   status=excluded.status, is_active=excluded.is_active`,
		a.ID, a.Provider, a.Email, nullStr(a.Name), nullStr(a.AvatarURL),
		tokenCol, quotaCol, modelsCol,
		a.CreatedAt, a.LastUsed, a.Status, boolToInt(a.IsActive),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert account: %v", agate.ErrStorage, err)
	}
	return tx.Commit()
}

const accountCols = `id, provider, email, name, avatar_url, token, quota,
	 selected_models, created_at, last_used, status, is_active`

// List returns all accounts ordered by last_used descending, decrypted.
// Rows that fail decryption are logged and skipped so one bad row cannot
// poison the store.
func (s *Store) List(ctx context.Context) ([]*agate.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY last_used DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %v", agate.ErrStorage, err)
	}
	defer rows.Close()

	var out []*agate.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			if errors.Is(err, agate.ErrDecrypt) {
				slog.Warn("skipping undecryptable account row", "error", err)
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get retrieves a single account by ID.
func (s *Store) Get(ctx context.Context, id string) (*agate.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return s.scanAccount(row)
}

// Remove deletes an account.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("%w: remove account: %v", agate.ErrStorage, err)
	}
	return checkRowsAffected(res, "account")
}

// UpdateToken persists new token material. Expiry is monotonic per account:
// a token whose expiry_timestamp is earlier than the stored one is rejected.
func (s *Store) UpdateToken(ctx context.Context, id string, t *agate.Token) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin token update: %v", agate.ErrStorage, err)
	}
	defer tx.Rollback()

	var stored sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT token FROM accounts WHERE id=?`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("account: %w", agate.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: read token: %v", agate.ErrStorage, err)
	}

	if stored.Valid && stored.String != "" {
		cur, derr := s.openToken(stored.String)
		// An undecryptable existing token is replaceable; that is the
		// recovery path for a lost master key row.
		if derr == nil && cur != nil && t.ExpiryTimestamp < cur.ExpiryTimestamp {
			return fmt.Errorf("%w: token expiry regression (%d < %d)",
				agate.ErrStorage, t.ExpiryTimestamp, cur.ExpiryTimestamp)
		}
	}

	col, err := s.sealToken(t)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET token=? WHERE id=?`, col, id); err != nil {
		return fmt.Errorf("%w: write token: %v", agate.ErrStorage, err)
	}
	return tx.Commit()
}

// UpdateQuota persists quota state, encrypted.
func (s *Store) UpdateQuota(ctx context.Context, id string, q *agate.Quota) error {
	col, err := s.sealQuota(q)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx, `UPDATE accounts SET quota=? WHERE id=?`, col, id)
	if err != nil {
		return fmt.Errorf("%w: write quota: %v", agate.ErrStorage, err)
	}
	return checkRowsAffected(res, "account")
}

// UpdateSelectedModels replaces the user-chosen model filter.
func (s *Store) UpdateSelectedModels(ctx context.Context, id string, models []string) error {
	col, err := marshalJSON(models)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx, `UPDATE accounts SET selected_models=? WHERE id=?`, col, id)
	if err != nil {
		return fmt.Errorf("%w: write selected models: %v", agate.ErrStorage, err)
	}
	return checkRowsAffected(res, "account")
}

// UpdateStatus sets the account status.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.write.ExecContext(ctx, `UPDATE accounts SET status=? WHERE id=?`, status, id)
	if err != nil {
		return fmt.Errorf("%w: write status: %v", agate.ErrStorage, err)
	}
	return checkRowsAffected(res, "account")
}

// UpdateLastUsed stamps the account with the current time.
func (s *Store) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET last_used=? WHERE id=?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: write last_used: %v", agate.ErrStorage, err)
	}
	return nil
}

// SetActive demotes every account and promotes id, atomically.
func (s *Store) SetActive(ctx context.Context, id string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin activate: %v", agate.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active=0`); err != nil {
		return fmt.Errorf("%w: demote all: %v", agate.ErrStorage, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active=1 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("%w: promote: %v", agate.ErrStorage, err)
	}
	if err := checkRowsAffected(res, "account"); err != nil {
		return err
	}
	return tx.Commit()
}

// --- scanning and sealing helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(sc scanner) (*agate.Account, error) {
	var a agate.Account
	var name, avatar, tokenCol, quotaCol, modelsCol sql.NullString
	var active int

	err := sc.Scan(&a.ID, &a.Provider, &a.Email, &name, &avatar,
		&tokenCol, &quotaCol, &modelsCol,
		&a.CreatedAt, &a.LastUsed, &a.Status, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account: %w", agate.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan account: %v", agate.ErrStorage, err)
	}

	a.Name = name.String
	a.AvatarURL = avatar.String
	a.IsActive = active != 0

	if tokenCol.Valid && tokenCol.String != "" {
		if a.Token, err = s.openToken(tokenCol.String); err != nil {
			return nil, err
		}
	}
	if quotaCol.Valid && quotaCol.String != "" {
		if a.Quota, err = s.openQuota(quotaCol.String); err != nil {
			return nil, err
		}
	}
	if modelsCol.Valid {
		if err := json.Unmarshal([]byte(modelsCol.String), &a.SelectedModels); err != nil {
			return nil, fmt.Errorf("%w: selected_models: %v", agate.ErrStorage, err)
		}
	}
	return &a, nil
}

func (s *Store) sealToken(t *agate.Token) (sql.NullString, error) {
	if t == nil {
		return sql.NullString{}, nil
	}
	plain, err := json.Marshal(t)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: marshal token: %v", agate.ErrStorage, err)
	}
	sealed, err := s.box.seal(plain)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: sealed, Valid: true}, nil
}

func (s *Store) openToken(stored string) (*agate.Token, error) {
	plain := []byte(stored)
	if !isPlaintextJSON(stored) {
		var err error
		if plain, err = s.box.open(stored); err != nil {
			return nil, err
		}
	}
	var t agate.Token
	if err := json.Unmarshal(plain, &t); err != nil {
		return nil, fmt.Errorf("%w: token json: %v", agate.ErrDecrypt, err)
	}
	return &t, nil
}

func (s *Store) sealQuota(q *agate.Quota) (sql.NullString, error) {
	if q == nil {
		return sql.NullString{}, nil
	}
	plain, err := json.Marshal(q)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: marshal quota: %v", agate.ErrStorage, err)
	}
	sealed, err := s.box.seal(plain)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: sealed, Valid: true}, nil
}

func (s *Store) openQuota(stored string) (*agate.Quota, error) {
	plain := []byte(stored)
	if !isPlaintextJSON(stored) {
		var err error
		if plain, err = s.box.open(stored); err != nil {
			return nil, err
		}
	}
	var q agate.Quota
	if err := json.Unmarshal(plain, &q); err != nil {
		return nil, fmt.Errorf("%w: quota json: %v", agate.ErrDecrypt, err)
	}
	return &q, nil
}

func marshalJSON(v []string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: marshal: %v", agate.ErrStorage, err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", agate.ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, agate.ErrNotFound)
	}
	return nil
}
