package flow

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/opsdesk/opsbot/internal/access"
	"github.com/opsdesk/opsbot/internal/session"
)

func (e *Engine) handleCommand(ctx context.Context, ev Event) {
	command := strings.ToLower(ev.Command)
	cmds, allowed := e.gate.Check(ctx, ev.ChatID, ev.UserID, command)
	if !allowed {
		e.answer(ctx, ev, access.DeniedMessage)
		return
	}

	switch command {
	case access.StartCommand:
		e.answer(ctx, ev, fmt.Sprintf("Your user ID: <b>%d</b>", ev.UserID))
	case "help":
		e.answer(ctx, ev, helpText(cmds))
	case nsAllowlist:
		e.sessions.Clear(ev.key())
		e.answer(ctx, ev, "Add an IP address to:", []Button{
			{Label: "GW", Token: token(nsAllowlist, string(session.LocationGateway))},
			{Label: "PBX", Token: token(nsAllowlist, string(session.LocationPBX))},
		})
	case nsProxy:
		e.sessions.Clear(ev.key())
		e.answer(ctx, ev, msgChooseAction, []Button{
			{Label: "Squid: add port", Token: token(nsProxy, "squid")},
		})
	case nsWG:
		e.sessions.Clear(ev.key())
		e.answer(ctx, ev, msgChooseAction, wgMenu()...)
	case cmdPBX:
		e.startWebApp(ctx, ev)
	default:
		e.answer(ctx, ev, msgUnavailable)
	}
}

func helpText(cmds []access.Command) string {
	var b strings.Builder
	b.WriteString("Available commands:\n    /start - Start working with the bot")
	for _, c := range cmds {
		if c.Name == access.StartCommand {
			continue
		}
		fmt.Fprintf(&b, "\n    /%s - %s", html.EscapeString(c.Name), html.EscapeString(c.Description))
	}
	return b.String()
}

func wgMenu() [][]Button {
	return [][]Button{
		{{Label: "🔍 List", Token: token(nsWG, "list")}},
		{{Label: "➕ Add", Token: token(nsWG, "add")}},
		{{Label: "❌ Delete", Token: token(nsWG, opDelete)}},
		{{Label: "📄 Configuration", Token: token(nsWG, "config")}},
		{{Label: "🔧 Access", Token: token(nsWG, "set")}},
	}
}
