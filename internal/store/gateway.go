package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotConfigured means no gateway database was configured.
var ErrNotConfigured = errors.New("gateway database is not configured")

// Gateway is the firewall gateway's database. A nil *Gateway reports
// ErrNotConfigured from every method.
type Gateway struct {
	db *sql.DB
}

// NewGateway wraps an open database handle.
func NewGateway(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// Close closes the database.
func (g *Gateway) Close() {
	if g == nil {
		return
	}
	logClose(g.db, "gateway")
}

// InBlocklist reports whether ip is currently blocked.
func (g *Gateway) InBlocklist(ctx context.Context, ip string) (bool, error) {
	if g == nil {
		return false, ErrNotConfigured
	}
	var one int
	err := g.db.QueryRowContext(ctx, `SELECT 1 FROM blocklist WHERE src = ? LIMIT 1`, ip).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query blocklist: %w", err)
	}
	return true, nil
}

// Promote moves ip from the blocklist to the allowlist atomically.
func (g *Gateway) Promote(ctx context.Context, ip string) (err error) {
	if g == nil {
		return ErrNotConfigured
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `INSERT INTO allowlist (src) VALUES (?)`, ip); err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert allowlist row: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM blocklist WHERE src = ?`, ip); err != nil {
		return fmt.Errorf("delete blocklist row: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
