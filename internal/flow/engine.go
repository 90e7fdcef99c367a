// Package flow is the conversation engine. It turns chat events into
// state transitions on a per-user, per-chat session, performs non-privileged reads
// while collecting input, and dispatches privileged actions only after an
// explicit confirmation and, where required, a passed step-up challenge.
package flow

import (
	"context"
	"sync"
	"time"

	"github.com/opsdesk/opsbot/internal/access"
	"github.com/opsdesk/opsbot/internal/audit"
	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/opsdesk/opsbot/internal/metrics"
	"github.com/opsdesk/opsbot/internal/session"
	"github.com/opsdesk/opsbot/internal/squid"
	"github.com/opsdesk/opsbot/internal/wireguard"
)

// DefaultTypingInterval is how often the typing indicator is refreshed
// while a remote call runs.
const DefaultTypingInterval = 4 * time.Second

// Event is one inbound chat update.
type Event struct {
	ChatID    int64
	UserID    int64
	MessageID int    // message carrying the pressed button, if any
	Command   string // command name without the slash
	Args      string
	Text      string
	Button    string // button token
	// WebApp is set for a verified report from the PBX web app.
	WebApp *WebAppReport
}

// WebAppReport is what the PBX web app sent back for this user.
type WebAppReport struct {
	IP     string
	Failed bool
}

func (ev Event) key() session.Key {
	return session.Key{ChatID: ev.ChatID, UserID: ev.UserID}
}

// Button is one labelled control.
type Button struct {
	Label string
	Token string
}

// WebAppButton opens a web app from the reply keyboard.
type WebAppButton struct {
	Label string
	URL   string
}

// Message is an outbound reply. EditOf, when set, replaces that message.
// WebApp replaces the reply keyboard with a single web app button, and
// RemoveKeyboard takes a reply keyboard away again.
type Message struct {
	Text           string
	Buttons        [][]Button
	EditOf         int
	WebApp         *WebAppButton
	RemoveKeyboard bool
}

// Messenger delivers replies.
type Messenger interface {
	Send(ctx context.Context, chatID int64, msg Message) error
	Typing(ctx context.Context, chatID int64) error
}

// Gatekeeper authorizes commands.
type Gatekeeper interface {
	Check(ctx context.Context, chatID, userID int64, command string) ([]access.Command, bool)
}

// WireGuard manages VPN peers on the gateway.
type WireGuard interface {
	Peers(ctx context.Context) ([]wireguard.Peer, error)
	PeerIPs(ctx context.Context, name string) ([]string, error)
	ShowConfig(ctx context.Context, name string, refresh bool) (wireguard.Config, error)
	AddPeer(ctx context.Context, name, chainset string) (wireguard.Config, error)
	DeletePeer(ctx context.Context, name string) error
	GrantIP(ctx context.Context, name, ip string) error
	RevokeIP(ctx context.Context, name, ip string) error
	RenderConfig(cfg wireguard.Config) string
}

// Squid opens outbound proxy ports.
type Squid interface {
	AddPorts(ctx context.Context, host string, targets []string) ([]squid.Assignment, error)
}

// PBXAllowlist is the locally stored PBX allowlist.
type PBXAllowlist interface {
	IsAllowed(ctx context.Context, ip string) bool
	Allow(ctx context.Context, ip string, actor int64) bool
}

// GatewayAllowlist is the gateway's block and allow lists.
type GatewayAllowlist interface {
	InBlocklist(ctx context.Context, ip string) (bool, error)
	Promote(ctx context.Context, ip string) error
}

// WebAppLauncher issues the personal launch URL of the PBX web app.
type WebAppLauncher interface {
	LaunchURL(chatID, userID int64) (string, error)
}

// Challenger verifies step-up codes.
type Challenger interface {
	Verify(code string) bool
}

// Config wires an Engine.
type Config struct {
	Gate       Gatekeeper
	Sessions   *session.Store
	Messenger  Messenger
	WireGuard  WireGuard
	Squid      Squid
	PBX        PBXAllowlist
	Gateway    GatewayAllowlist
	Challenger Challenger
	// WebApp enables /pbx. Nil disables it.
	WebApp WebAppLauncher
	// ProxyHosts returns the Squid gateways offered in the host picker. It
	// is called on every use so reloaded configuration takes effect.
	ProxyHosts func() []string
	Audit      *audit.Logger
	Metrics    *metrics.Metrics
	// TypingInterval <= 0 disables the typing indicator.
	TypingInterval time.Duration
}

// Engine runs conversations, one per user within a chat. Handle must not be
// called concurrently for the same chat; distinct chats may be handled in
// parallel.
type Engine struct {
	gate       Gatekeeper
	sessions   *session.Store
	messenger  Messenger
	wg         WireGuard
	squid      Squid
	pbx        PBXAllowlist
	gateway    GatewayAllowlist
	challenger Challenger
	webapp     WebAppLauncher
	proxyHosts func() []string
	audit      *audit.Logger
	metrics    *metrics.Metrics
	typing     time.Duration
}

// New creates an Engine.
func New(cfg Config) *Engine {
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewStore()
	}
	proxyHosts := cfg.ProxyHosts
	if proxyHosts == nil {
		proxyHosts = func() []string { return nil }
	}
	return &Engine{
		gate:       cfg.Gate,
		sessions:   sessions,
		messenger:  cfg.Messenger,
		wg:         cfg.WireGuard,
		squid:      cfg.Squid,
		pbx:        cfg.PBX,
		gateway:    cfg.Gateway,
		challenger: cfg.Challenger,
		webapp:     cfg.WebApp,
		proxyHosts: proxyHosts,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		typing:     cfg.TypingInterval,
	}
}

// Sessions exposes the engine's conversation store.
func (e *Engine) Sessions() *session.Store {
	return e.sessions
}

// Handle processes one event.
func (e *Engine) Handle(ctx context.Context, ev Event) {
	ctx, _ = logging.WithRequestID(ctx, logging.RequestID(ctx))
	ctx = logging.WithChat(ctx, ev.ChatID, ev.UserID)
	logger := logging.FromContext(ctx)

	before := e.sessions.Get(ev.key()).State
	switch {
	case ev.WebApp != nil:
		e.metrics.RecordUpdate("webapp")
		e.handleWebApp(ctx, ev)
	case ev.Command != "":
		e.metrics.RecordUpdate("command")
		e.handleCommand(ctx, ev)
	case ev.Button != "":
		e.metrics.RecordUpdate("button")
		e.handleButton(ctx, ev)
	default:
		e.metrics.RecordUpdate("text")
		e.handleText(ctx, ev)
	}
	after := e.sessions.Get(ev.key()).State

	e.metrics.SetActiveSessions(e.sessions.Len())
	logger.Debug().
		Str("from", before.String()).
		Str("to", after.String()).
		Msg("Turn handled")
}

func (e *Engine) send(ctx context.Context, chatID int64, msg Message) {
	if err := e.messenger.Send(ctx, chatID, msg); err != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().Err(err).Msg("Failed to send reply")
	}
}

// reply answers ev, editing the message that carried the pressed button.
func (e *Engine) reply(ctx context.Context, ev Event, text string, buttons ...[]Button) {
	msg := Message{Text: text, Buttons: buttons}
	if ev.Button != "" {
		msg.EditOf = ev.MessageID
	}
	e.send(ctx, ev.ChatID, msg)
}

// answer always sends a new message.
func (e *Engine) answer(ctx context.Context, ev Event, text string, buttons ...[]Button) {
	e.send(ctx, ev.ChatID, Message{Text: text, Buttons: buttons})
}

// withIndicator runs fn while refreshing the typing indicator. The
// indicator goroutine is stopped and joined before withIndicator returns.
func (e *Engine) withIndicator(ctx context.Context, chatID int64, fn func(context.Context) error) error {
	if e.typing <= 0 {
		return fn(ctx)
	}

	indicatorCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.typing)
		defer ticker.Stop()
		for {
			if err := e.messenger.Typing(indicatorCtx, chatID); err != nil && indicatorCtx.Err() == nil {
				logger := logging.FromContext(ctx)
				logger.Debug().Err(err).Msg("Typing indicator failed")
			}
			select {
			case <-indicatorCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	err := fn(ctx)
	cancel()
	wg.Wait()
	return err
}

func cancelRow() []Button {
	return []Button{{Label: "🚫 Cancel", Token: tokenCancel}}
}

func yesNoRow() []Button {
	return []Button{{Label: "YES", Token: tokenYes}, {Label: "NO", Token: tokenNo}}
}

// grid lays buttons out perRow per row.
func grid(buttons []Button, perRow int) [][]Button {
	var rows [][]Button
	for i := 0; i < len(buttons); i += perRow {
		end := i + perRow
		if end > len(buttons) {
			end = len(buttons)
		}
		rows = append(rows, buttons[i:end])
	}
	return rows
}
