package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"

	"github.com/opsdesk/opsbot/internal/access"
	"github.com/opsdesk/opsbot/internal/logging"
)

const localSchema = `
	CREATE TABLE IF NOT EXISTS tg_commands (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS tg_users (
		id INTEGER PRIMARY KEY,
		role_name TEXT
	);

	CREATE TABLE IF NOT EXISTS tg_role_commands (
		role_name TEXT NOT NULL,
		command_name TEXT NOT NULL,
		PRIMARY KEY (role_name, command_name)
	);

	CREATE TABLE IF NOT EXISTS pbx_allowlist (
		src TEXT PRIMARY KEY,
		id INTEGER,
		is_bot BOOLEAN NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	);
`

// Local is the bot's own database.
type Local struct {
	db     *sql.DB
	driver string
}

// NewLocal wraps an open database handle.
func NewLocal(db *sql.DB, driver string) *Local {
	if driver == "" {
		driver = DriverSQLite
	}
	return &Local{db: db, driver: driver}
}

// Migrate creates the local schema. Only sqlite is migrated here; a MySQL
// local database is provisioned out of band.
func (l *Local) Migrate(ctx context.Context) error {
	if l.driver != DriverSQLite {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, localSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (l *Local) Close() {
	logClose(l.db, "local")
}

// UserCommands returns the commands granted to userID's role, ordered by
// name. Unknown users and roles without commands yield an empty slice.
func (l *Local) UserCommands(ctx context.Context, userID int64) ([]access.Command, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT c.name, c.description
		FROM tg_users u
		LEFT JOIN tg_role_commands rc ON u.role_name = rc.role_name
		LEFT JOIN tg_commands c ON rc.command_name = c.name
		WHERE u.id = ?
		ORDER BY c.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user commands: %w", err)
	}
	defer rows.Close()

	var cmds []access.Command
	for rows.Next() {
		var name, description sql.NullString
		if err := rows.Scan(&name, &description); err != nil {
			return nil, fmt.Errorf("scan user command: %w", err)
		}
		if !name.Valid || name.String == "" {
			continue
		}
		cmds = append(cmds, access.Command{Name: name.String, Description: description.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user commands: %w", err)
	}
	return cmds, nil
}

// IsAllowed reports whether ip is on the PBX allowlist. Any failure,
// including an unparsable address, reports false.
func (l *Local) IsAllowed(ctx context.Context, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	var one int
	err = l.db.QueryRowContext(ctx, `SELECT 1 FROM pbx_allowlist WHERE src = ? LIMIT 1`, addr.String()).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false
	case err != nil:
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).Str("ip", ip).Msg("PBX allowlist lookup failed")
		return false
	}
	return true
}

// Allow adds ip to the PBX allowlist on behalf of actor and reports whether
// the row was written.
func (l *Local) Allow(ctx context.Context, ip string, actor int64) bool {
	if err := l.allow(ctx, ip, actor); err != nil {
		reason := "infrastructure"
		if err == ErrDuplicate {
			reason = "duplicate"
		}
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).
			Str("ip", ip).
			Int64("actor", actor).
			Str("reason", reason).
			Msg("Failed to add address to PBX allowlist")
		return false
	}
	return true
}

func (l *Local) allow(ctx context.Context, ip string, actor int64) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", ip, err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO pbx_allowlist (src, id, is_bot) VALUES (?, ?, ?)`,
		addr.String(), actor, true)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert allowlist row: %w", err)
	}
	return nil
}
