package flow

import (
	"errors"
	"testing"

	"github.com/opsdesk/opsbot/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPBXCommandOffersWebApp(t *testing.T) {
	h := newHarness(t)
	h.command("pbx")

	msg := h.messenger.last()
	require.NotNil(t, msg.WebApp)
	assert.Equal(t, msgWebAppPrompt, msg.Text)
	assert.Equal(t, "https://pbx.example.org/app?token=t", msg.WebApp.URL)
	assert.Equal(t, [][2]int64{{testChat, testUser}}, h.launcher.launched)
	assert.Equal(t, session.Idle, h.session().State)
}

func TestPBXCommandWithoutWebApp(t *testing.T) {
	h := newHarness(t)
	h.engine.webapp = nil
	h.command("pbx")
	assert.Equal(t, msgWebAppOff, h.messenger.last().Text)
	assert.Nil(t, h.messenger.last().WebApp)

	h = newHarness(t)
	h.launcher.err = errors.New("no entropy")
	h.command("pbx")
	assert.Equal(t, msgWebAppOff, h.messenger.last().Text)
}

func TestPBXCommandDenied(t *testing.T) {
	h := newHarness(t)
	h.gate.denied["pbx"] = true
	h.command("pbx")
	assert.Empty(t, h.launcher.launched)
	assert.Nil(t, h.messenger.last().WebApp)
}

func TestWebAppReportAdmitsAddress(t *testing.T) {
	h := newHarness(t)
	h.report(WebAppReport{IP: "198.51.100.23"})

	msg := h.messenger.last()
	assert.Equal(t, testUser, h.pbx.allowed["198.51.100.23"])
	assert.Contains(t, msg.Text, "added to the PBX allowlist")
	assert.True(t, msg.RemoveKeyboard)
	assert.Zero(t, h.challenger.calls)
	assert.Equal(t, session.Idle, h.session().State)
}

func TestWebAppReportOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		report WebAppReport
		want   string
	}{
		{"web app failed", WebAppReport{Failed: true, IP: "198.51.100.23"}, msgWebAppFailed},
		{"unparsable address", WebAppReport{IP: "not-an-ip"}, msgWebAppBadData},
		{"already allowed", WebAppReport{IP: "10.5.5.5"}, "is already allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.pbx.allowed["10.5.5.5"] = 1
			h.report(tt.report)

			msg := h.messenger.last()
			assert.Contains(t, msg.Text, tt.want)
			assert.True(t, msg.RemoveKeyboard)
			assert.Len(t, h.pbx.allowed, 1)
		})
	}
}

func TestWebAppReportLeavesConversationAlone(t *testing.T) {
	h := newHarness(t)
	h.command("allowlist")
	h.press("allowlist|PBX")
	before := h.session()

	h.report(WebAppReport{IP: "198.51.100.23"})
	assert.Equal(t, before, h.session())
}
