package flow

import (
	"context"
	"fmt"

	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/opsdesk/opsbot/internal/session"
)

const cmdPBX = "pbx"

const (
	msgWebAppPrompt   = "Press the button below 👇"
	msgWebAppOff      = "❌ The PBX web app is not configured."
	msgWebAppFailed   = "❌ Error. Try again."
	msgWebAppBadData  = "❌ Failed to process the data."
	webAppButtonLabel = "Send data"
)

func (e *Engine) startWebApp(ctx context.Context, ev Event) {
	if e.webapp == nil {
		e.answer(ctx, ev, msgWebAppOff)
		return
	}
	url, err := e.webapp.LaunchURL(ev.ChatID, ev.UserID)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).Msg("Failed to issue web app launch URL")
		e.answer(ctx, ev, msgWebAppOff)
		return
	}
	e.send(ctx, ev.ChatID, Message{
		Text:   msgWebAppPrompt,
		WebApp: &WebAppButton{Label: webAppButtonLabel, URL: url},
	})
}

// handleWebApp admits the address the web app detected to the PBX
// allowlist. The launch token already tied the report to this user, so no
// confirmation step follows.
func (e *Engine) handleWebApp(ctx context.Context, ev Event) {
	report := ev.WebApp
	var text string
	switch {
	case report.Failed:
		text = msgWebAppFailed
	case !ValidIPv4(report.IP):
		text = msgWebAppBadData
	case e.pbx.IsAllowed(ctx, report.IP):
		text = fmt.Sprintf("ℹ️ Your IP address %s is already allowed.", bold(zwip(report.IP)))
	default:
		text = e.perform(ctx, ev, session.Action{Kind: session.ActionAllowPBX, IP: report.IP})
	}
	e.send(ctx, ev.ChatID, Message{Text: text, RemoveKeyboard: true})
}
