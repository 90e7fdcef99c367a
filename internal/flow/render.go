package flow

import (
	stderrors "errors"
	"fmt"
	"html"
	"strings"

	internalerrors "github.com/opsdesk/opsbot/internal/errors"
	"github.com/opsdesk/opsbot/internal/squid"
	"github.com/opsdesk/opsbot/internal/store"
	"github.com/opsdesk/opsbot/internal/wireguard"
)

const (
	msgCancelled      = "🚫 Action cancelled."
	msgExhausted      = "🚫 Action cancelled. Start again."
	msgIdleHint       = "Pick a command from the menu to start."
	msgStaleButton    = "This button is no longer active. Start again from the menu."
	msgAnswerButtons  = "Please answer with the buttons above."
	msgChallenge      = "🔐 This action requires step-up authentication.\nEnter the code from your authenticator app:"
	msgChallengeShape = "❌ The code must be 6 digits. Try again:"
	msgChallengeWrong = "❌ Wrong code. Try again:"
	msgInvalidIP      = "❌ Invalid IP address. Try again:"
	msgUnknownHost    = "❌ Not a configured Squid host. Try again:"
	msgInvalidName    = "❗ Enter <b>exactly two words</b>, first and last name,\nfor example: <code>Oleg Ivanov</code>"
	msgEnterIP        = "Enter an IPv4 address:"
	msgChooseAction   = "Choose an action:"
	msgUnavailable    = "This command is not available here."
)

// zwip puts a zero-width space after each dot so clients do not turn the
// address into a link.
func zwip(ip string) string {
	return strings.ReplaceAll(ip, ".", ".\u200b")
}

func code(s string) string {
	return "<code>" + html.EscapeString(s) + "</code>"
}

func bold(s string) string {
	return "<b>" + html.EscapeString(s) + "</b>"
}

// failureText renders an error for the operator. Transport errors carry the
// executor's text verbatim; parse and rejection errors are kept apart.
func failureText(err error) string {
	switch {
	case stderrors.Is(err, store.ErrNotConfigured):
		return "❌ The gateway database is not configured."
	case stderrors.Is(err, internalerrors.ErrTransport):
		return "❌ " + html.EscapeString(internalerrors.Message(err))
	case stderrors.Is(err, internalerrors.ErrRejected):
		return "❌ The remote host reported an error."
	case stderrors.Is(err, internalerrors.ErrUnreadable):
		return "❌ The remote host returned an unreadable response: " + html.EscapeString(internalerrors.Message(err))
	default:
		return "❌ " + html.EscapeString(err.Error())
	}
}

func renderPeers(peers []wireguard.Peer) string {
	if len(peers) == 0 {
		return "<b>Peers</b>:\n\nNo peers."
	}
	var b strings.Builder
	b.WriteString("<b>Peers</b>:\n\n")
	for i, p := range peers {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "— %s %s", code(p.Name), html.EscapeString(p.Address))
	}
	return b.String()
}

func renderPeerIPs(peer string, ips []string) string {
	if len(ips) == 0 {
		return fmt.Sprintf("Peer %s has no access entries.", code(peer))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 Access list of peer\n%s:\n", bold(peer))
	for _, ip := range ips {
		fmt.Fprintf(&b, "\n— %s", code(ip))
	}
	return b.String()
}

func renderPeerConfig(peer, rendered string) string {
	return fmt.Sprintf("📄 Configuration of peer\n%s:\n\n<pre>%s</pre>", bold(peer), html.EscapeString(rendered))
}

func renderAssignments(host string, assignments []squid.Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Squid %s</b>:", zwip(host))
	for _, a := range assignments {
		fmt.Fprintf(&b, "\n%s:%s ‒ ", zwip(a.IP), html.EscapeString(a.Port))
		switch {
		case a.Assigned():
			fmt.Fprintf(&b, "%s ✅", bold(a.AssignedPort))
		case a.Status == squid.StatusConflict:
			fmt.Fprintf(&b, "in use on port %s ❌", bold(a.AssignedPort))
		default:
			fmt.Fprintf(&b, "unknown status %s", html.EscapeString(a.Status))
		}
	}
	return b.String()
}

func renderProxyErrors(host string, invalid []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>:\n", zwip(host))
	for _, tok := range invalid {
		fmt.Fprintf(&b, "\n%s ‒ ❌ invalid IP:PORT", zwip(html.EscapeString(tok)))
	}
	b.WriteString("\n\nTry again:")
	return b.String()
}

func hostLabel(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
