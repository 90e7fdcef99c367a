package flow

import (
	"context"
	"fmt"

	"github.com/opsdesk/opsbot/internal/session"
)

// actionSpec describes one confirmable operation.
type actionSpec struct {
	// prompt is the yes/no question for a candidate action.
	prompt func(a session.Action) string
	// stepUp requires a passed challenge between "yes" and dispatch.
	stepUp bool
	// run performs the action and returns the outcome text. An error is
	// rendered with failureText.
	run func(ctx context.Context, e *Engine, actor int64, a session.Action) (string, error)
}

var actionSpecs = map[session.Kind]actionSpec{
	session.ActionAddPeer: {
		prompt: func(a session.Action) string {
			return fmt.Sprintf("➕ Add peer %s?", code(a.Peer+", "+a.Chainset))
		},
		stepUp: true,
		run: func(ctx context.Context, e *Engine, _ int64, a session.Action) (string, error) {
			cfg, err := e.wg.AddPeer(ctx, a.Peer, a.Chainset)
			if err != nil {
				return "", err
			}
			return renderPeerConfig(a.Peer, e.wg.RenderConfig(cfg)), nil
		},
	},
	session.ActionDeletePeer: {
		prompt: func(a session.Action) string {
			return fmt.Sprintf("❌ Delete peer %s?", code(a.Peer))
		},
		stepUp: true,
		run: func(ctx context.Context, e *Engine, _ int64, a session.Action) (string, error) {
			if err := e.wg.DeletePeer(ctx, a.Peer); err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ Peer %s deleted.", code(a.Peer)), nil
		},
	},
	session.ActionGrantIP: {
		prompt: func(a session.Action) string {
			return fmt.Sprintf("➕ Grant %s access to %s?", code(a.Peer), code(a.IP))
		},
		stepUp: true,
		run: func(ctx context.Context, e *Engine, _ int64, a session.Action) (string, error) {
			if err := e.wg.GrantIP(ctx, a.Peer, a.IP); err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ Access to %s for %s granted.", code(a.IP), code(a.Peer)), nil
		},
	},
	session.ActionRevokeIP: {
		prompt: func(a session.Action) string {
			return fmt.Sprintf("❌ Revoke access to %s for %s?", code(a.IP), code(a.Peer))
		},
		stepUp: true,
		run: func(ctx context.Context, e *Engine, _ int64, a session.Action) (string, error) {
			if err := e.wg.RevokeIP(ctx, a.Peer, a.IP); err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ Access to %s for %s revoked.", code(a.IP), code(a.Peer)), nil
		},
	},
	session.ActionShowConfig: {
		prompt: func(a session.Action) string {
			return fmt.Sprintf("🔍 Show configuration of %s?", code(a.Peer))
		},
		stepUp: true,
		run: func(ctx context.Context, e *Engine, _ int64, a session.Action) (string, error) {
			cfg, err := e.wg.ShowConfig(ctx, a.Peer, false)
			if err != nil {
				return "", err
			}
			return renderPeerConfig(a.Peer, e.wg.RenderConfig(cfg)), nil
		},
	},
	session.ActionRefreshConfig: {
		prompt: func(a session.Action) string {
			return fmt.Sprintf("🔁 Regenerate configuration of %s?", code(a.Peer))
		},
		stepUp: true,
		run: func(ctx context.Context, e *Engine, _ int64, a session.Action) (string, error) {
			cfg, err := e.wg.ShowConfig(ctx, a.Peer, true)
			if err != nil {
				return "", err
			}
			return renderPeerConfig(a.Peer, e.wg.RenderConfig(cfg)), nil
		},
	},
	session.ActionAllowGateway: {
		prompt: func(a session.Action) string {
			return fmt.Sprintf("Add %s to the GW allowlist?", bold(zwip(a.IP)))
		},
		run: func(ctx context.Context, e *Engine, _ int64, a session.Action) (string, error) {
			if err := e.gateway.Promote(ctx, a.IP); err != nil {
				return "", fmt.Errorf("failed to add %s: %w", a.IP, err)
			}
			return fmt.Sprintf("✅ %s added to the GW allowlist.", bold(zwip(a.IP))), nil
		},
	},
	session.ActionAllowPBX: {
		prompt: func(a session.Action) string {
			return fmt.Sprintf("Add %s to the PBX allowlist?", bold(zwip(a.IP)))
		},
		run: func(ctx context.Context, e *Engine, actor int64, a session.Action) (string, error) {
			if !e.pbx.Allow(ctx, a.IP, actor) {
				return "", fmt.Errorf("failed to add %s to the PBX allowlist", a.IP)
			}
			return fmt.Sprintf("✅ %s added to the PBX allowlist.", bold(zwip(a.IP))), nil
		},
	},
	session.ActionProxyPorts: {
		prompt: func(a session.Action) string {
			text := fmt.Sprintf("Open proxy ports on Squid %s for:\n", bold(zwip(a.Host)))
			for _, t := range a.Targets {
				text += "\n" + zwip(t)
			}
			return text
		},
		run: func(ctx context.Context, e *Engine, _ int64, a session.Action) (string, error) {
			assignments, err := e.squid.AddPorts(ctx, a.Host, a.Targets)
			if err != nil {
				return "", err
			}
			return renderAssignments(a.Host, assignments), nil
		},
	},
}
