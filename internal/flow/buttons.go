package flow

import (
	"context"
	"fmt"
	"slices"

	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/opsdesk/opsbot/internal/session"
)

func (e *Engine) handleButton(ctx context.Context, ev Event) {
	switch ev.Button {
	case tokenCancel:
		e.sessions.Clear(ev.key())
		e.reply(ctx, ev, msgCancelled)
		return
	case tokenYes, tokenNo:
		e.handleConfirmation(ctx, ev)
		return
	}

	ns, args := splitToken(ev.Button)
	switch {
	case ns == nsAllowlist && len(args) == 1:
		e.startAllowlist(ctx, ev, session.Location(args[0]))
	case ns == nsProxy && len(args) == 1 && args[0] == "squid":
		e.startProxy(ctx, ev)
	case ns == nsProxy && len(args) == 2 && args[0] == "host":
		e.pickProxyHost(ctx, ev, args[1])
	case ns == nsWG && len(args) == 1:
		e.handleWGMenu(ctx, ev, args[0])
	case ns == nsPeer && len(args) == 2:
		e.pickPeer(ctx, ev, args[0], args[1])
	case ns == nsRevoke && len(args) == 2 && ValidIPv4Range(args[1]):
		e.sessions.Clear(ev.key())
		e.propose(ctx, ev, session.Action{Kind: session.ActionRevokeIP, Peer: args[0], IP: args[1]})
	default:
		logger := logging.FromContext(ctx)
		logger.Debug().Str("token", ev.Button).Msg("Unrecognized button")
		e.reply(ctx, ev, msgStaleButton)
	}
}

func (e *Engine) startAllowlist(ctx context.Context, ev Event, loc session.Location) {
	if loc != session.LocationGateway && loc != session.LocationPBX {
		e.reply(ctx, ev, msgStaleButton)
		return
	}
	e.sessions.Put(ev.key(), session.Session{
		State:    session.AwaitingAllowlistIP,
		Attempts: session.DefaultAttempts,
		Location: loc,
	})
	e.reply(ctx, ev, msgEnterIP, cancelRow())
}

func (e *Engine) startProxy(ctx context.Context, ev Event) {
	hosts := e.proxyHosts()
	if len(hosts) == 0 {
		e.sessions.Clear(ev.key())
		e.reply(ctx, ev, "❌ No Squid hosts are configured.")
		return
	}

	buttons := make([]Button, 0, len(hosts))
	for _, h := range hosts {
		buttons = append(buttons, Button{Label: hostLabel(h), Token: token(nsProxy, "host", h)})
	}
	rows := grid(buttons, 4)
	rows = append(rows, cancelRow())

	e.sessions.Put(ev.key(), session.Session{
		State:    session.AwaitingProxyTarget,
		Attempts: session.DefaultAttempts,
	})
	e.reply(ctx, ev, "Choose a Squid host or type its address:", rows...)
}

func (e *Engine) pickProxyHost(ctx context.Context, ev Event, host string) {
	if e.sessions.Get(ev.key()).State != session.AwaitingProxyTarget {
		e.reply(ctx, ev, msgStaleButton)
		return
	}
	if !slices.Contains(e.proxyHosts(), host) {
		e.sessions.Clear(ev.key())
		e.reply(ctx, ev, "❌ This Squid host is no longer configured.")
		return
	}
	e.enterProxySpec(ctx, ev, host)
}

func (e *Engine) enterProxySpec(ctx context.Context, ev Event, host string) {
	e.sessions.Put(ev.key(), session.Session{
		State:     session.AwaitingProxyPortSpec,
		Attempts:  session.DefaultAttempts,
		ProxyHost: host,
	})
	e.reply(ctx, ev, fmt.Sprintf("<b>%s</b>\nEnter proxies as &lt;IP:PORT&gt;, separated by spaces:", zwip(host)), cancelRow())
}

func (e *Engine) handleWGMenu(ctx context.Context, ev Event, item string) {
	e.sessions.Clear(ev.key())
	switch item {
	case "list":
		e.listPeers(ctx, ev)
	case "add":
		e.sessions.Put(ev.key(), session.Session{
			State:    session.AwaitingPeerName,
			Attempts: session.DefaultAttempts,
		})
		e.reply(ctx, ev, "Enter <code>First Last</code> name of the new peer:", cancelRow())
	case "config":
		e.reply(ctx, ev, "📄 Configuration:",
			[]Button{{Label: "🔍 Show", Token: token(nsWG, opConfigShow)}},
			[]Button{{Label: "🔁 Regenerate", Token: token(nsWG, opConfigRefresh)}},
		)
	case "set":
		e.reply(ctx, ev, "🔧 Peer access:",
			[]Button{{Label: "🔍 List access", Token: token(nsWG, opAccessList)}},
			[]Button{{Label: "➕ Grant access", Token: token(nsWG, opAccessGrant)}},
			[]Button{{Label: "❌ Revoke access", Token: token(nsWG, opAccessRevoke)}},
		)
	case opDelete, opConfigShow, opConfigRefresh, opAccessList, opAccessGrant, opAccessRevoke:
		e.showPeerPicker(ctx, ev, item)
	default:
		e.reply(ctx, ev, msgStaleButton)
	}
}

var pickerPrompts = map[string]string{
	opDelete:        "❌ Delete peer:",
	opConfigShow:    "🔍 Show configuration of:",
	opConfigRefresh: "🔁 Regenerate configuration of:",
	opAccessList:    "🔍 Show access of:",
	opAccessGrant:   "➕ Grant access to:",
	opAccessRevoke:  "❌ Revoke access of:",
}

func (e *Engine) listPeers(ctx context.Context, ev Event) {
	var text string
	err := e.withIndicator(ctx, ev.ChatID, func(ctx context.Context) error {
		peers, err := e.wg.Peers(ctx)
		if err != nil {
			return err
		}
		text = renderPeers(peers)
		return nil
	})
	if err != nil {
		e.readFailed(ctx, ev, "wg.list", err)
		return
	}
	e.reply(ctx, ev, text)
}

func (e *Engine) showPeerPicker(ctx context.Context, ev Event, op string) {
	var buttons []Button
	err := e.withIndicator(ctx, ev.ChatID, func(ctx context.Context) error {
		peers, err := e.wg.Peers(ctx)
		if err != nil {
			return err
		}
		for _, p := range peers {
			buttons = append(buttons, Button{Label: p.Name, Token: token(nsPeer, p.Name, op)})
		}
		return nil
	})
	if err != nil {
		e.readFailed(ctx, ev, "wg.list", err)
		return
	}
	if len(buttons) == 0 {
		e.reply(ctx, ev, "No peers.")
		return
	}
	e.reply(ctx, ev, pickerPrompts[op], grid(buttons, 2)...)
}

func (e *Engine) pickPeer(ctx context.Context, ev Event, peer, op string) {
	e.sessions.Clear(ev.key())
	switch op {
	case opDelete:
		e.propose(ctx, ev, session.Action{Kind: session.ActionDeletePeer, Peer: peer})
	case opConfigShow:
		e.propose(ctx, ev, session.Action{Kind: session.ActionShowConfig, Peer: peer})
	case opConfigRefresh:
		e.propose(ctx, ev, session.Action{Kind: session.ActionRefreshConfig, Peer: peer})
	case opAccessList:
		var ips []string
		err := e.withIndicator(ctx, ev.ChatID, func(ctx context.Context) (err error) {
			ips, err = e.wg.PeerIPs(ctx, peer)
			return err
		})
		if err != nil {
			e.readFailed(ctx, ev, "wg.set_list", err)
			return
		}
		e.reply(ctx, ev, renderPeerIPs(peer, ips))
	case opAccessGrant:
		e.sessions.Put(ev.key(), session.Session{
			State:    session.AwaitingPeerIP,
			Attempts: session.DefaultAttempts,
			Peer:     peer,
		})
		e.reply(ctx, ev, fmt.Sprintf("Enter the IP address %s should reach:", code(peer)), cancelRow())
	case opAccessRevoke:
		var ips []string
		err := e.withIndicator(ctx, ev.ChatID, func(ctx context.Context) (err error) {
			ips, err = e.wg.PeerIPs(ctx, peer)
			return err
		})
		if err != nil {
			e.readFailed(ctx, ev, "wg.set_list", err)
			return
		}
		if len(ips) == 0 {
			e.reply(ctx, ev, renderPeerIPs(peer, nil))
			return
		}
		buttons := make([]Button, 0, len(ips))
		for _, ip := range ips {
			buttons = append(buttons, Button{Label: ip, Token: token(nsRevoke, peer, ip)})
		}
		e.reply(ctx, ev, fmt.Sprintf("❌ Revoke access of %s to:", code(peer)), grid(buttons, 2)...)
	default:
		e.reply(ctx, ev, msgStaleButton)
	}
}

// propose stores a as the candidate and asks for confirmation.
func (e *Engine) propose(ctx context.Context, ev Event, a session.Action) {
	spec, ok := actionSpecs[a.Kind]
	if !ok {
		e.sessions.Clear(ev.key())
		e.reply(ctx, ev, msgStaleButton)
		return
	}
	e.sessions.Put(ev.key(), session.Session{
		State:     session.AwaitingYesNo,
		Candidate: a,
	})
	e.reply(ctx, ev, spec.prompt(a), yesNoRow())
}

// readFailed reports a failed non-privileged read.
func (e *Engine) readFailed(ctx context.Context, ev Event, op string, err error) {
	logger := logging.FromContext(ctx)
	logger.Warn().Err(err).Str("op", op).Msg("Remote read failed")
	e.answer(ctx, ev, failureText(err))
}
