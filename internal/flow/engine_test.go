package flow

import (
	"context"
	"testing"
	"time"

	internalerrors "github.com/opsdesk/opsbot/internal/errors"
	"github.com/opsdesk/opsbot/internal/remote"
	"github.com/opsdesk/opsbot/internal/session"
	"github.com/opsdesk/opsbot/internal/squid"
	"github.com/opsdesk/opsbot/internal/store"
	"github.com/opsdesk/opsbot/internal/wireguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidIPRepromptsAndSpendsAttempt(t *testing.T) {
	h := newHarness(t)
	h.command("allowlist")
	h.press("allowlist|PBX")
	require.Equal(t, session.AwaitingAllowlistIP, h.session().State)
	require.Equal(t, 3, h.session().Attempts)

	h.say("300.1.1.1")

	sess := h.session()
	assert.Equal(t, session.AwaitingAllowlistIP, sess.State)
	assert.Equal(t, 2, sess.Attempts)
	assert.Equal(t, msgInvalidIP, h.messenger.last().Text)
	assert.Equal(t, []string{tokenCancel}, tokens(h.messenger.last()))
}

func TestAttemptsExhaustion(t *testing.T) {
	h := newHarness(t)
	h.command("wg")
	h.press("wg|add")

	h.say("Oleg")
	h.say("Oleg Petrovich Ivanov")
	require.Equal(t, 1, h.session().Attempts)
	h.say("x")

	assert.Equal(t, session.Idle, h.session().State)
	assert.Equal(t, msgExhausted, h.messenger.last().Text)
	assert.Zero(t, h.wg.mutationCount())
	assert.Zero(t, h.wg.reads, "invalid names never reach the remote host")
}

func TestAttemptsRecovery(t *testing.T) {
	h := newHarness(t)
	h.command("allowlist")
	h.press("allowlist|PBX")

	h.say("1.2.3")
	h.say("1.2.3.4.5")
	h.say("10.9.9.9")

	sess := h.session()
	assert.Equal(t, session.AwaitingYesNo, sess.State)
	assert.Equal(t, session.Action{Kind: session.ActionAllowPBX, IP: "10.9.9.9"}, sess.Candidate)
	assert.Equal(t, []string{tokenYes, tokenNo}, tokens(h.messenger.last()))
}

func TestPeerNameScenario(t *testing.T) {
	h := newHarness(t)
	h.command("wg")
	h.press("wg|add")
	h.say("Petr Sidorov")

	sess := h.session()
	require.Equal(t, session.AwaitingYesNo, sess.State)
	assert.Equal(t, "Petr Sidorov", sess.Candidate.Peer)
	assert.Equal(t, "psidorov", sess.Candidate.Chainset)
	assert.Contains(t, h.messenger.last().Text, "<code>Petr Sidorov, psidorov</code>")
}

func TestOlegIvanovScenario(t *testing.T) {
	h := newHarness(t)
	h.wg.peers = nil

	h.command("wg")
	h.press("wg|add")
	h.say("Oleg Ivanov")

	sess := h.session()
	require.Equal(t, session.AwaitingYesNo, sess.State)
	assert.Equal(t, session.ActionAddPeer, sess.Candidate.Kind)
	assert.Equal(t, "oivanov", sess.Candidate.Chainset)
	assert.Contains(t, h.messenger.last().Text, "Oleg Ivanov, oivanov")
}

func TestDuplicatePeerNameIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.command("wg")
	h.press("wg|add")
	h.say("Олег Иванов")

	assert.Equal(t, session.Idle, h.session().State)
	assert.Contains(t, h.messenger.last().Text, "<code>Oleg Ivanov</code> already exists")
}

func TestGatewayBlocklistScenario(t *testing.T) {
	t.Run("present offers confirmation", func(t *testing.T) {
		h := newHarness(t)
		h.command("allowlist")
		h.press("allowlist|GW")
		h.say("203.0.113.7")

		sess := h.session()
		assert.Equal(t, session.AwaitingYesNo, sess.State)
		assert.Equal(t, session.ActionAllowGateway, sess.Candidate.Kind)
		assert.Equal(t, []string{tokenYes, tokenNo}, tokens(h.messenger.last()))

		h.press(tokenYes)
		assert.Equal(t, []string{"203.0.113.7"}, h.gateway.promoted)
		assert.Equal(t, session.Idle, h.session().State)
		assert.Contains(t, h.messenger.last().Text, "added to the GW allowlist")
	})

	t.Run("absent is terminal", func(t *testing.T) {
		h := newHarness(t)
		h.command("allowlist")
		h.press("allowlist|GW")
		h.say("198.51.100.4")

		assert.Equal(t, session.Idle, h.session().State)
		last := h.messenger.last()
		assert.Contains(t, last.Text, "not in the blocklist")
		assert.Empty(t, last.Buttons)
		assert.Empty(t, h.gateway.promoted)
	})

	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t)
		h.gateway.err = store.ErrNotConfigured
		h.command("allowlist")
		h.press("allowlist|GW")
		h.say("203.0.113.7")

		assert.Equal(t, session.Idle, h.session().State)
		assert.Contains(t, h.messenger.last().Text, "not configured")
	})
}

func TestPBXAllowlist(t *testing.T) {
	h := newHarness(t)
	h.pbx.allowed["10.5.5.5"] = 1

	h.command("allowlist")
	h.press("allowlist|PBX")
	h.say("10.5.5.5")
	assert.Equal(t, session.Idle, h.session().State)
	assert.Contains(t, h.messenger.last().Text, "already allowed")

	h.command("allowlist")
	h.press("allowlist|PBX")
	h.say("10.6.6.6")
	h.press(tokenYes)

	assert.Equal(t, testUser, h.pbx.allowed["10.6.6.6"])
	assert.Equal(t, session.Idle, h.session().State)
	assert.Contains(t, h.messenger.last().Text, "added to the PBX allowlist")
	assert.Zero(t, h.challenger.calls, "allowlist insertion needs no step-up")
}

func TestPBXAllowFailureReported(t *testing.T) {
	h := newHarness(t)
	h.pbx.failAdd = true
	h.command("allowlist")
	h.press("allowlist|PBX")
	h.say("10.6.6.6")
	h.press(tokenYes)

	assert.Equal(t, session.Idle, h.session().State)
	assert.Contains(t, h.messenger.last().Text, "❌")
}

func TestThreeBadCodesCancel(t *testing.T) {
	h := newHarness(t)
	h.command("wg")
	h.press("wg|del")
	h.press("peer|Oleg Ivanov|del")
	h.press(tokenYes)
	require.Equal(t, session.AwaitingChallenge, h.session().State)

	h.say("000000")
	assert.Equal(t, msgChallengeWrong, h.messenger.last().Text)
	h.say("12a")
	assert.Equal(t, msgChallengeShape, h.messenger.last().Text)
	h.say("999999")

	assert.Equal(t, session.Idle, h.session().State)
	assert.Equal(t, msgExhausted, h.messenger.last().Text)
	assert.Zero(t, h.wg.mutationCount())
}

func TestGrantIPHappyPath(t *testing.T) {
	h := newHarness(t)
	h.command("wg")
	h.press("wg|set")
	h.press("wg|set_add")
	assert.Equal(t, []string{
		"peer|Oleg Ivanov|set_add",
		"peer|Anna Petrova|set_add",
	}, tokens(h.messenger.last()))
	assert.Len(t, h.messenger.last().Buttons, 1, "two peers per row")

	h.press("peer|Oleg Ivanov|set_add")
	require.Equal(t, session.AwaitingPeerIP, h.session().State)

	h.say("10.1.1.1")
	assert.Equal(t, session.Idle, h.session().State, "existing access is terminal")
	assert.Contains(t, h.messenger.last().Text, "already has access")

	h.press("peer|Oleg Ivanov|set_add")
	h.say("10.1.1.3")
	require.Equal(t, session.AwaitingYesNo, h.session().State)

	h.press(tokenYes)
	sess := h.session()
	require.Equal(t, session.AwaitingChallenge, sess.State)
	assert.Equal(t, session.ActionNone, sess.Candidate.Kind, "candidate is erased by the yes step")
	assert.Equal(t, session.Action{Kind: session.ActionGrantIP, Peer: "Oleg Ivanov", IP: "10.1.1.3"}, sess.Confirmed)
	assert.Zero(t, h.wg.mutationCount())

	h.say(validCode)
	assert.Equal(t, []mutation{{Kind: session.ActionGrantIP, Peer: "Oleg Ivanov", IP: "10.1.1.3"}}, h.wg.mutations)
	assert.Equal(t, session.Idle, h.session().State)
	assert.Contains(t, h.messenger.last().Text, "granted")
}

func TestRevokeViaIPPicker(t *testing.T) {
	h := newHarness(t)
	h.press("wg|set_del")
	h.press("peer|Oleg Ivanov|set_del")
	assert.Equal(t, []string{"revoke|Oleg Ivanov|10.1.1.1", "revoke|Oleg Ivanov|10.1.1.2"}, tokens(h.messenger.last()))

	h.press("revoke|Oleg Ivanov|10.1.1.2")
	h.press(tokenYes)
	h.say(validCode)

	assert.Equal(t, []mutation{{Kind: session.ActionRevokeIP, Peer: "Oleg Ivanov", IP: "10.1.1.2"}}, h.wg.mutations)
}

func TestRevokePrefixEntry(t *testing.T) {
	h := newHarness(t)
	h.wg.ips["Oleg Ivanov"] = []string{"10.1.0.0/24"}
	h.press("wg|set_del")
	h.press("peer|Oleg Ivanov|set_del")
	require.Equal(t, []string{"revoke|Oleg Ivanov|10.1.0.0/24"}, tokens(h.messenger.last()))

	h.press("revoke|Oleg Ivanov|10.1.0.0/24")
	require.Equal(t, session.AwaitingYesNo, h.session().State)
	h.press(tokenYes)
	h.say(validCode)

	assert.Equal(t, []mutation{{Kind: session.ActionRevokeIP, Peer: "Oleg Ivanov", IP: "10.1.0.0/24"}}, h.wg.mutations)
}

func TestRevokeRejectsNonAddressToken(t *testing.T) {
	h := newHarness(t)
	h.press("revoke|Oleg Ivanov|10.1.0.0/40")
	assert.Equal(t, session.Idle, h.session().State)
	assert.Equal(t, msgStaleButton, h.messenger.last().Text)

	h.press("revoke|Oleg Ivanov|2001:db8::/64")
	assert.Equal(t, session.Idle, h.session().State)
}

func TestOtherMemberCannotDriveConversation(t *testing.T) {
	h := newHarness(t)
	h.command("wg")
	h.press("wg|del")
	h.press("peer|Oleg Ivanov|del")
	require.Equal(t, session.AwaitingYesNo, h.session().State)

	const intruder int64 = 999
	h.engine.Handle(context.Background(), Event{ChatID: testChat, UserID: intruder, MessageID: 55, Button: tokenYes})
	assert.Equal(t, msgStaleButton, h.messenger.last().Text)
	h.engine.Handle(context.Background(), Event{ChatID: testChat, UserID: intruder, Text: validCode})
	assert.Equal(t, msgIdleHint, h.messenger.last().Text)

	assert.Zero(t, h.wg.mutationCount())
	sess := h.session()
	assert.Equal(t, session.AwaitingYesNo, sess.State, "owner's conversation is untouched")
	assert.Equal(t, session.Action{Kind: session.ActionDeletePeer, Peer: "Oleg Ivanov"}, sess.Candidate)
	assert.Equal(t, session.Idle, h.engine.Sessions().Get(session.Key{ChatID: testChat, UserID: intruder}).State)

	h.press(tokenYes)
	require.Equal(t, session.AwaitingChallenge, h.session().State)
	h.engine.Handle(context.Background(), Event{ChatID: testChat, UserID: intruder, Text: "111111"})
	assert.Equal(t, session.DefaultAttempts, h.session().Attempts, "another member's text spends no attempts")

	h.say(validCode)
	assert.Equal(t, []mutation{{Kind: session.ActionDeletePeer, Peer: "Oleg Ivanov"}}, h.wg.mutations)
}

func TestShowConfigRequiresChallenge(t *testing.T) {
	h := newHarness(t)
	h.press("wg|config")
	h.press("wg|config_show")
	h.press("peer|Anna Petrova|config_show")
	h.press(tokenYes)
	require.Equal(t, session.AwaitingChallenge, h.session().State)
	h.say(validCode)

	require.Len(t, h.wg.mutations, 1)
	text := h.messenger.last().Text
	assert.Contains(t, text, "PrivateKey = priv")
	assert.Contains(t, text, "Address = 10.8.0.2/32")
	assert.Contains(t, text, "PersistentKeepalive = 16")
}

func TestDispatchFailureStillClears(t *testing.T) {
	h := newHarness(t)
	h.wg.writeErr = internalerrors.Rejected("wg.del")
	h.press("peer|Oleg Ivanov|del")
	h.press(tokenYes)
	h.say(validCode)

	assert.Equal(t, session.Idle, h.session().State)
	assert.Equal(t, "❌ The remote host reported an error.", h.messenger.last().Text)
}

func TestReadFailureRefundsAttempt(t *testing.T) {
	h := newHarness(t)
	h.press("wg|add")
	h.say("bad")
	require.Equal(t, 2, h.session().Attempts)

	h.wg.readErr = internalerrors.Transport("wg.list", "[ERROR] SSH connection failed: connection refused")
	h.say("Oleg Ivanov")

	sess := h.session()
	assert.Equal(t, session.AwaitingPeerName, sess.State)
	assert.Equal(t, 2, sess.Attempts)
	assert.Equal(t, "❌ [ERROR] SSH connection failed: connection refused", h.messenger.last().Text)
}

func TestNoCancels(t *testing.T) {
	h := newHarness(t)
	h.press("peer|Oleg Ivanov|del")
	h.press(tokenNo)

	assert.Equal(t, session.Idle, h.session().State)
	assert.Equal(t, msgCancelled, h.messenger.last().Text)
	assert.Equal(t, 55, h.messenger.last().EditOf)
}

func TestCancelFromAnyState(t *testing.T) {
	setups := map[string]func(h *harness){
		"allowlist ip": func(h *harness) { h.press("allowlist|GW") },
		"proxy target": func(h *harness) { h.press("proxy|squid") },
		"proxy spec":   func(h *harness) { h.press("proxy|squid"); h.press("proxy|host|192.168.1.10") },
		"peer name":    func(h *harness) { h.press("wg|add") },
		"peer ip":      func(h *harness) { h.press("peer|Oleg Ivanov|set_add") },
		"yes no":       func(h *harness) { h.press("peer|Oleg Ivanov|del") },
		"challenge":    func(h *harness) { h.press("peer|Oleg Ivanov|del"); h.press(tokenYes) },
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			setup(h)
			require.NotEqual(t, session.Idle, h.session().State)

			h.press(tokenCancel)
			assert.Equal(t, session.Idle, h.session().State)
			assert.Equal(t, msgCancelled, h.messenger.last().Text)
			assert.Zero(t, h.engine.Sessions().Len())
		})
	}
}

func TestFeatureCommandResetsConversation(t *testing.T) {
	h := newHarness(t)
	h.press("peer|Oleg Ivanov|del")
	h.press(tokenYes)
	require.Equal(t, session.AwaitingChallenge, h.session().State)

	h.command("wg")
	assert.Equal(t, session.Idle, h.session().State)

	h.say(validCode)
	assert.Zero(t, h.wg.mutationCount())
	assert.Equal(t, msgIdleHint, h.messenger.last().Text)
}

func TestStaleConfirmation(t *testing.T) {
	h := newHarness(t)
	h.press(tokenYes)
	assert.Equal(t, msgStaleButton, h.messenger.last().Text)
	assert.Equal(t, session.Idle, h.session().State)

	h.press("proxy|host|192.168.1.10")
	assert.Equal(t, msgStaleButton, h.messenger.last().Text)
}

func TestDeniedCommand(t *testing.T) {
	h := newHarness(t)
	h.gate.denied["wg"] = true
	h.press("allowlist|PBX")

	h.command("wg")
	assert.Equal(t, "You do not have access to this command.", h.messenger.last().Text)
	assert.Equal(t, session.AwaitingAllowlistIP, h.session().State, "denial does not touch the conversation")
}

func TestStartAndHelp(t *testing.T) {
	h := newHarness(t)
	h.gate.cmds = nil
	h.command("start")
	assert.Equal(t, "Your user ID: <b>7</b>", h.messenger.last().Text)

	h.gate.cmds = nil
	h.command("help")
	assert.Equal(t, "Available commands:\n    /start - Start working with the bot", h.messenger.last().Text)
}

func TestProxyFlow(t *testing.T) {
	h := newHarness(t)
	h.squid.result = []squid.Assignment{
		{IP: "10.0.0.1", Port: "8080", Status: squid.StatusAssigned, AssignedPort: "30001"},
		{IP: "10.0.0.2", Port: "3128", Status: squid.StatusConflict, AssignedPort: "30002"},
	}

	h.command("proxy")
	h.press("proxy|squid")
	picker := h.messenger.last()
	require.Len(t, picker.Buttons, 3, "two host rows plus cancel")
	assert.Len(t, picker.Buttons[0], 4)
	assert.Equal(t, "1.10", picker.Buttons[0][0].Label)
	assert.Equal(t, "proxy|host|192.168.1.10", picker.Buttons[0][0].Token)

	h.say("192.168.9.9")
	assert.Equal(t, msgUnknownHost, h.messenger.last().Text)
	h.say("192.168.2.20")
	require.Equal(t, session.AwaitingProxyPortSpec, h.session().State)
	assert.Equal(t, 3, h.session().Attempts)

	h.say("10.0.0.1:8080 10.0.0.1:80 nonsense")
	last := h.messenger.last().Text
	assert.Contains(t, last, zwip("10.0.0.1:80")+" ‒ ❌")
	assert.Contains(t, last, "nonsense")
	assert.NotContains(t, last, "8080")

	h.say("10.0.0.1:8080 10.0.0.2:3128 10.0.0.1:8080")
	sess := h.session()
	require.Equal(t, session.AwaitingYesNo, sess.State)
	assert.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:3128"}, sess.Candidate.Targets)

	h.press(tokenYes)
	assert.Equal(t, [][]string{{"192.168.2.20", "10.0.0.1:8080", "10.0.0.2:3128"}}, h.squid.calls)
	out := h.messenger.last().Text
	assert.Contains(t, out, "<b>30001</b> ✅")
	assert.Contains(t, out, "in use on port <b>30002</b> ❌")
	assert.Equal(t, session.Idle, h.session().State)
}

type scriptedExecutor struct {
	output map[string]string
}

func (s *scriptedExecutor) Execute(_ context.Context, _, command string) remote.Result {
	if out, ok := s.output[command]; ok {
		return remote.Result{Output: out}
	}
	return remote.Result{Error: "unexpected command: " + command}
}

func TestPeerListRoundTrip(t *testing.T) {
	exec := &scriptedExecutor{output: map[string]string{
		"sudo /etc/wireguard/wgfwctl.sh --no-help list": `[{"name":"ivanov","ip":"10.0.0.5"}]`,
	}}
	client := wireguard.NewClient(exec, wireguard.Settings{Host: "10.0.0.254", Script: "/etc/wireguard/wgfwctl.sh"})

	h := newHarness(t)
	engine := New(Config{Gate: h.gate, Messenger: h.messenger, WireGuard: client})
	engine.Handle(context.Background(), Event{ChatID: testChat, UserID: testUser, MessageID: 1, Button: "wg|list"})

	text := h.messenger.last().Text
	assert.Contains(t, text, "ivanov")
	assert.Contains(t, text, "10.0.0.5")
}

func TestTypingIndicatorStopsWithCall(t *testing.T) {
	h := newHarness(t)
	h.wg.delay = 30 * time.Millisecond
	h.engine.typing = 5 * time.Millisecond

	h.press("wg|list")
	after := h.messenger.typingCount()
	assert.GreaterOrEqual(t, after, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, h.messenger.typingCount(), "indicator is joined before the reply")
}
