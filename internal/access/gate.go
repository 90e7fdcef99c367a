// Package access decides which bot commands a user may run and keeps the
// per-chat command menu in sync with that decision.
package access

import (
	"context"

	"github.com/opsdesk/opsbot/internal/audit"
	internalerrors "github.com/opsdesk/opsbot/internal/errors"
	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/opsdesk/opsbot/internal/metrics"
)

// StartCommand is always permitted.
const StartCommand = "start"

// DeniedMessage is the only text a rejected user sees.
const DeniedMessage = "You do not have access to this command."

// Command is one entry of a role's command set.
type Command struct {
	Name        string
	Description string
}

// CommandSource resolves the commands granted to a user's role.
type CommandSource interface {
	UserCommands(ctx context.Context, userID int64) ([]Command, error)
}

// MenuPublisher shows cmds as the chat's command menu.
type MenuPublisher interface {
	PublishMenu(ctx context.Context, chatID int64, cmds []Command) error
}

// Gate checks command messages against the caller's role.
type Gate struct {
	source  CommandSource
	menu    MenuPublisher
	audit   *audit.Logger
	metrics *metrics.Metrics
}

// NewGate creates a Gate. menu, auditLog and m may be nil.
func NewGate(source CommandSource, menu MenuPublisher, auditLog *audit.Logger, m *metrics.Metrics) *Gate {
	return &Gate{source: source, menu: menu, audit: auditLog, metrics: m}
}

// Commands returns the user's permitted commands. Lookup failures fail
// closed: the user is treated as having none.
func (g *Gate) Commands(ctx context.Context, userID int64) []Command {
	cmds, err := g.source.UserCommands(ctx, userID)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().Err(err).Int64("user_id", userID).Msg("Role lookup failed; denying all commands")
		return nil
	}
	return cmds
}

// Menu returns the visible menu: start first, then the permitted commands.
func Menu(cmds []Command) []Command {
	menu := make([]Command, 0, len(cmds)+1)
	menu = append(menu, Command{Name: StartCommand, Description: "Start working with the bot"})
	for _, c := range cmds {
		if c.Name == StartCommand || c.Name == "" {
			continue
		}
		menu = append(menu, c)
	}
	return menu
}

// Check re-publishes the menu and reports whether command may run. It
// returns the resolved command set so callers can render help without a
// second lookup.
func (g *Gate) Check(ctx context.Context, chatID, userID int64, command string) ([]Command, bool) {
	cmds := g.Commands(ctx, userID)
	menu := Menu(cmds)

	if g.menu != nil {
		if err := g.menu.PublishMenu(ctx, chatID, menu); err != nil {
			logger := logging.FromContext(ctx)
			logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to publish command menu")
		}
	}

	if command == StartCommand {
		return cmds, true
	}

	reason := "not_permitted"
	if len(cmds) == 0 {
		reason = "no_commands"
	}
	for _, c := range cmds {
		if c.Name == command {
			return cmds, true
		}
	}

	logger := logging.FromContext(ctx)
	logger.Info().
		Err(internalerrors.Forbidden("access."+command, reason)).
		Int64("user_id", userID).
		Str("command", command).
		Str("reason", reason).
		Msg("Command denied")
	g.audit.LogAccessDenied(logging.RequestID(ctx), userID, command, reason)
	g.metrics.RecordAccessDenied(command)
	return cmds, false
}
