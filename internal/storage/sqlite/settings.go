package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	agate "github.com/cascadelabs/agate/internal"
)

// GetSetting returns the stored value for key, or fallback when absent.
func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var v string
	err := s.read.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get setting %s: %v", agate.ErrStorage, key, err)
	}
	return v, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: set setting %s: %v", agate.ErrStorage, key, err)
	}
	return nil
}
