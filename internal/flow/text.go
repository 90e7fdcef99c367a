package flow

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/opsdesk/opsbot/internal/session"
	"github.com/opsdesk/opsbot/internal/store"
)

// handleText routes free text by the current state. Input states spend one
// attempt per submission before validating it.
func (e *Engine) handleText(ctx context.Context, ev Event) {
	sess := e.sessions.Get(ev.key())
	text := strings.TrimSpace(ev.Text)

	switch sess.State {
	case session.Idle:
		e.answer(ctx, ev, msgIdleHint)
		return
	case session.AwaitingYesNo:
		e.answer(ctx, ev, msgAnswerButtons)
		return
	case session.AwaitingChallenge:
		e.handleChallenge(ctx, ev, sess)
		return
	}

	refund := sess
	sess.Attempts--
	e.sessions.Put(ev.key(), sess)

	switch sess.State {
	case session.AwaitingAllowlistIP:
		e.inputAllowlistIP(ctx, ev, sess, refund, text)
	case session.AwaitingProxyTarget:
		e.inputProxyTarget(ctx, ev, sess, text)
	case session.AwaitingProxyPortSpec:
		e.inputProxySpec(ctx, ev, sess, text)
	case session.AwaitingPeerName:
		e.inputPeerName(ctx, ev, sess, refund, text)
	case session.AwaitingPeerIP:
		e.inputPeerIP(ctx, ev, sess, refund, text)
	default:
		e.sessions.Clear(ev.key())
		e.answer(ctx, ev, msgIdleHint)
	}
}

// retry re-prompts while attempts remain, otherwise cancels.
func (e *Engine) retry(ctx context.Context, ev Event, sess session.Session, prompt string) {
	if sess.Attempts > 0 {
		e.answer(ctx, ev, prompt, cancelRow())
		return
	}
	e.sessions.Clear(ev.key())
	e.answer(ctx, ev, msgExhausted)
}

// refundRead restores the attempt spent on a submission whose follow-up
// read failed, keeping the state.
func (e *Engine) refundRead(ctx context.Context, ev Event, refund session.Session, op string, err error) {
	e.sessions.Put(ev.key(), refund)
	e.readFailed(ctx, ev, op, err)
}

func (e *Engine) finish(ctx context.Context, ev Event, text string) {
	e.sessions.Clear(ev.key())
	e.answer(ctx, ev, text)
}

func (e *Engine) proposeInput(ctx context.Context, ev Event, a session.Action) {
	spec := actionSpecs[a.Kind]
	e.sessions.Put(ev.key(), session.Session{
		State:     session.AwaitingYesNo,
		Candidate: a,
	})
	e.answer(ctx, ev, spec.prompt(a), yesNoRow())
}

func (e *Engine) inputAllowlistIP(ctx context.Context, ev Event, sess, refund session.Session, ip string) {
	if !ValidIPv4(ip) {
		e.retry(ctx, ev, sess, msgInvalidIP)
		return
	}

	switch sess.Location {
	case session.LocationGateway:
		var blocked bool
		err := e.withIndicator(ctx, ev.ChatID, func(ctx context.Context) (err error) {
			blocked, err = e.gateway.InBlocklist(ctx, ip)
			return err
		})
		switch {
		case errors.Is(err, store.ErrNotConfigured):
			e.finish(ctx, ev, failureText(err))
		case err != nil:
			e.refundRead(ctx, ev, refund, "gateway.blocklist", err)
		case !blocked:
			e.finish(ctx, ev, "ℹ️ "+bold(zwip(ip))+" is not in the blocklist. Nothing to allow.")
		default:
			e.proposeInput(ctx, ev, session.Action{Kind: session.ActionAllowGateway, IP: ip})
		}
	case session.LocationPBX:
		if e.pbx.IsAllowed(ctx, ip) {
			e.finish(ctx, ev, "ℹ️ IP address "+bold(zwip(ip))+" is already allowed.")
			return
		}
		e.proposeInput(ctx, ev, session.Action{Kind: session.ActionAllowPBX, IP: ip})
	default:
		e.finish(ctx, ev, msgStaleButton)
	}
}

func (e *Engine) inputProxyTarget(ctx context.Context, ev Event, sess session.Session, host string) {
	if !ValidIPv4(host) {
		e.retry(ctx, ev, sess, msgInvalidIP)
		return
	}
	if !slices.Contains(e.proxyHosts(), host) {
		e.retry(ctx, ev, sess, msgUnknownHost)
		return
	}
	e.enterProxySpec(ctx, ev, host)
}

func (e *Engine) inputProxySpec(ctx context.Context, ev Event, sess session.Session, text string) {
	targets, err := ParseProxySpec(text)
	if err != nil {
		var specErr *ProxySpecError
		prompt := "❌ Enter at least one &lt;IP:PORT&gt; pair. Try again:"
		if errors.As(err, &specErr) {
			prompt = renderProxyErrors(sess.ProxyHost, specErr.Invalid)
		}
		e.retry(ctx, ev, sess, prompt)
		return
	}
	e.proposeInput(ctx, ev, session.Action{
		Kind:    session.ActionProxyPorts,
		Host:    sess.ProxyHost,
		Targets: targets,
	})
}

func (e *Engine) inputPeerName(ctx context.Context, ev Event, sess, refund session.Session, text string) {
	name, err := ParsePeerName(text)
	if err != nil {
		e.retry(ctx, ev, sess, msgInvalidName)
		return
	}

	var exists bool
	err = e.withIndicator(ctx, ev.ChatID, func(ctx context.Context) error {
		peers, err := e.wg.Peers(ctx)
		if err != nil {
			return err
		}
		for _, p := range peers {
			if p.Name == name.Name {
				exists = true
			}
		}
		return nil
	})
	switch {
	case err != nil:
		e.refundRead(ctx, ev, refund, "wg.list", err)
	case exists:
		e.finish(ctx, ev, "Peer "+code(name.Name)+" already exists.")
	default:
		e.proposeInput(ctx, ev, session.Action{
			Kind:     session.ActionAddPeer,
			Peer:     name.Name,
			Chainset: name.Chainset,
		})
	}
}

func (e *Engine) inputPeerIP(ctx context.Context, ev Event, sess, refund session.Session, ip string) {
	if !ValidIPv4(ip) {
		e.retry(ctx, ev, sess, msgInvalidIP)
		return
	}

	var ips []string
	err := e.withIndicator(ctx, ev.ChatID, func(ctx context.Context) (err error) {
		ips, err = e.wg.PeerIPs(ctx, sess.Peer)
		return err
	})
	switch {
	case err != nil:
		e.refundRead(ctx, ev, refund, "wg.set_list", err)
	case slices.Contains(ips, ip):
		e.finish(ctx, ev, "Peer "+code(sess.Peer)+" already has access to "+code(ip)+".")
	default:
		e.proposeInput(ctx, ev, session.Action{Kind: session.ActionGrantIP, Peer: sess.Peer, IP: ip})
	}
}
