package flow

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/opsdesk/opsbot/internal/access"
	"github.com/opsdesk/opsbot/internal/session"
	"github.com/opsdesk/opsbot/internal/squid"
	"github.com/opsdesk/opsbot/internal/wireguard"
)

const (
	testChat  int64 = 100
	testUser  int64 = 7
	validCode       = "123456"
)

type sent struct {
	chatID int64
	msg    Message
}

type fakeMessenger struct {
	mu     sync.Mutex
	sent   []sent
	typing int
}

func (f *fakeMessenger) Send(_ context.Context, chatID int64, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID: chatID, msg: msg})
	return nil
}

func (f *fakeMessenger) Typing(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeMessenger) last() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return Message{}
	}
	return f.sent[len(f.sent)-1].msg
}

func (f *fakeMessenger) typingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing
}

type fakeGate struct {
	denied map[string]bool
	cmds   []access.Command
}

func (g *fakeGate) Check(_ context.Context, _, _ int64, command string) ([]access.Command, bool) {
	if command == access.StartCommand {
		return g.cmds, true
	}
	return g.cmds, !g.denied[command]
}

// mutation is one privileged call observed by fakeWG.
type mutation struct {
	Kind session.Kind
	Peer string
	IP   string
}

type fakeWG struct {
	mu        sync.Mutex
	peers     []wireguard.Peer
	ips       map[string][]string
	readErr   error
	writeErr  error
	delay     time.Duration
	mutations []mutation
	reads     int
}

func (f *fakeWG) pause() {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeWG) Peers(context.Context) ([]wireguard.Peer, error) {
	f.pause()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	return slices.Clone(f.peers), nil
}

func (f *fakeWG) PeerIPs(_ context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	return slices.Clone(f.ips[name]), nil
}

func (f *fakeWG) record(m mutation) error {
	f.pause()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, m)
	return f.writeErr
}

func (f *fakeWG) ShowConfig(_ context.Context, name string, refresh bool) (wireguard.Config, error) {
	kind := session.ActionShowConfig
	if refresh {
		kind = session.ActionRefreshConfig
	}
	if err := f.record(mutation{Kind: kind, Peer: name}); err != nil {
		return wireguard.Config{}, err
	}
	return wireguard.Config{Comment: name, PrivateKey: "priv", Address: "10.8.0.2", PresharedKey: "psk"}, nil
}

func (f *fakeWG) AddPeer(_ context.Context, name, _ string) (wireguard.Config, error) {
	if err := f.record(mutation{Kind: session.ActionAddPeer, Peer: name}); err != nil {
		return wireguard.Config{}, err
	}
	return wireguard.Config{Comment: name, PrivateKey: "priv", Address: "10.8.0.9", PresharedKey: "psk"}, nil
}

func (f *fakeWG) DeletePeer(_ context.Context, name string) error {
	return f.record(mutation{Kind: session.ActionDeletePeer, Peer: name})
}

func (f *fakeWG) GrantIP(_ context.Context, name, ip string) error {
	return f.record(mutation{Kind: session.ActionGrantIP, Peer: name, IP: ip})
}

func (f *fakeWG) RevokeIP(_ context.Context, name, ip string) error {
	return f.record(mutation{Kind: session.ActionRevokeIP, Peer: name, IP: ip})
}

func (f *fakeWG) RenderConfig(cfg wireguard.Config) string {
	return wireguard.RenderConfig(cfg, wireguard.Settings{ServerPublicKey: "srv", AllowedIPs: "192.168.10.0/21", Endpoint: "198.51.100.1:51820", Keepalive: 16})
}

func (f *fakeWG) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mutations)
}

type fakeSquid struct {
	calls  [][]string
	result []squid.Assignment
	err    error
}

func (f *fakeSquid) AddPorts(_ context.Context, host string, targets []string) ([]squid.Assignment, error) {
	f.calls = append(f.calls, append([]string{host}, targets...))
	return f.result, f.err
}

type fakePBX struct {
	allowed map[string]int64
	failAdd bool
}

func (f *fakePBX) IsAllowed(_ context.Context, ip string) bool {
	_, ok := f.allowed[ip]
	return ok
}

func (f *fakePBX) Allow(_ context.Context, ip string, actor int64) bool {
	if f.failAdd {
		return false
	}
	if _, ok := f.allowed[ip]; ok {
		return false
	}
	f.allowed[ip] = actor
	return true
}

type fakeGateway struct {
	blocked  map[string]bool
	promoted []string
	err      error
}

func (f *fakeGateway) InBlocklist(_ context.Context, ip string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.blocked[ip], nil
}

func (f *fakeGateway) Promote(_ context.Context, ip string) error {
	f.promoted = append(f.promoted, ip)
	delete(f.blocked, ip)
	return nil
}

type fakeChallenger struct {
	valid string
	calls int
}

func (f *fakeChallenger) Verify(code string) bool {
	f.calls++
	return code == f.valid
}

type fakeLauncher struct {
	err      error
	launched [][2]int64
}

func (f *fakeLauncher) LaunchURL(chatID, userID int64) (string, error) {
	f.launched = append(f.launched, [2]int64{chatID, userID})
	if f.err != nil {
		return "", f.err
	}
	return "https://pbx.example.org/app?token=t", nil
}

type harness struct {
	engine     *Engine
	messenger  *fakeMessenger
	gate       *fakeGate
	wg         *fakeWG
	squid      *fakeSquid
	pbx        *fakePBX
	gateway    *fakeGateway
	challenger *fakeChallenger
	launcher   *fakeLauncher
	hosts      []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		messenger: &fakeMessenger{},
		gate:      &fakeGate{denied: map[string]bool{}},
		wg: &fakeWG{
			peers: []wireguard.Peer{{Name: "Oleg Ivanov", Address: "10.8.0.2"}, {Name: "Anna Petrova", Address: "10.8.0.3"}},
			ips:   map[string][]string{"Oleg Ivanov": {"10.1.1.1", "10.1.1.2"}},
		},
		squid:      &fakeSquid{},
		pbx:        &fakePBX{allowed: map[string]int64{}},
		gateway:    &fakeGateway{blocked: map[string]bool{"203.0.113.7": true}},
		challenger: &fakeChallenger{valid: validCode},
		launcher:   &fakeLauncher{},
		hosts:      []string{"192.168.1.10", "192.168.1.11", "192.168.2.20", "192.168.2.21", "192.168.3.30"},
	}
	h.engine = New(Config{
		Gate:       h.gate,
		Messenger:  h.messenger,
		WireGuard:  h.wg,
		Squid:      h.squid,
		PBX:        h.pbx,
		Gateway:    h.gateway,
		Challenger: h.challenger,
		WebApp:     h.launcher,
		ProxyHosts: func() []string { return h.hosts },
	})
	return h
}

func (h *harness) command(name string) {
	h.engine.Handle(context.Background(), Event{ChatID: testChat, UserID: testUser, Command: name})
}

func (h *harness) press(tok string) {
	h.engine.Handle(context.Background(), Event{ChatID: testChat, UserID: testUser, MessageID: 55, Button: tok})
}

func (h *harness) say(text string) {
	h.engine.Handle(context.Background(), Event{ChatID: testChat, UserID: testUser, Text: text})
}

func (h *harness) report(r WebAppReport) {
	h.engine.Handle(context.Background(), Event{ChatID: testChat, UserID: testUser, WebApp: &r})
}

func (h *harness) session() session.Session {
	return h.engine.Sessions().Get(session.Key{ChatID: testChat, UserID: testUser})
}

func tokens(msg Message) []string {
	var out []string
	for _, row := range msg.Buttons {
		for _, b := range row {
			out = append(out, b.Token)
		}
	}
	return out
}
