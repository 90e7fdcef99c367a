package flow

import (
	"context"
	"math/rand"
	"testing"

	"github.com/opsdesk/opsbot/internal/session"
	"github.com/stretchr/testify/require"
)

var walkCommands = []string{"wg", "allowlist", "proxy", "start", "help"}

var walkButtons = []string{
	"wg|list", "wg|add", "wg|del", "wg|config", "wg|config_show", "wg|config_update",
	"wg|set", "wg|set_list", "wg|set_add", "wg|set_del",
	"peer|Oleg Ivanov|del", "peer|Oleg Ivanov|config_show", "peer|Anna Petrova|config_update",
	"peer|Oleg Ivanov|set_list", "peer|Oleg Ivanov|set_add", "peer|Oleg Ivanov|set_del",
	"revoke|Oleg Ivanov|10.1.1.1", "revoke|Anna Petrova|10.9.9.9",
	"allowlist|GW", "allowlist|PBX", "proxy|squid", "proxy|host|192.168.1.10",
	tokenYes, tokenNo, tokenCancel, "bogus|token",
}

var walkTexts = []string{
	validCode, validCode, "000000", "12345", "Petr Petrov", "Oleg Ivanov", "10.2.2.2",
	"300.1.1.1", "junk", "192.168.1.10", "10.0.0.1:8080", "203.0.113.7",
}

func randomEvent(rng *rand.Rand, allowYes bool) Event {
	ev := Event{ChatID: testChat, UserID: testUser, MessageID: 9}
	for {
		switch rng.Intn(3) {
		case 0:
			ev.Command = walkCommands[rng.Intn(len(walkCommands))]
		case 1:
			ev.Button = walkButtons[rng.Intn(len(walkButtons))]
			if ev.Button == tokenYes && !allowYes {
				ev.Button = ""
				continue
			}
		default:
			ev.Text = walkTexts[rng.Intn(len(walkTexts))]
		}
		return ev
	}
}

func matches(m mutation, a session.Action) bool {
	return m.Kind == a.Kind && m.Peer == a.Peer && m.IP == a.IP
}

// Every privileged call must be preceded, within the same turn, by a
// challenge success for exactly the confirmed action.
func TestPrivilegedDispatchOnlyAfterChallenge(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness(t)

		for step := 0; step < 400; step++ {
			prev := h.session()
			before := h.wg.mutationCount()

			ev := randomEvent(rng, true)
			h.engine.Handle(context.Background(), ev)

			sess := h.session()
			if sess.State == session.AwaitingChallenge {
				require.NotEqual(t, session.ActionNone, sess.Confirmed.Kind, "seed %d step %d", seed, step)
				require.Equal(t, session.ActionNone, sess.Candidate.Kind, "seed %d step %d", seed, step)
			}
			if sess.State != session.AwaitingChallenge {
				require.Equal(t, session.ActionNone, sess.Confirmed.Kind, "seed %d step %d", seed, step)
			}

			after := h.wg.mutationCount()
			if after == before {
				continue
			}
			require.Equal(t, before+1, after, "one dispatch per turn (seed %d step %d)", seed, step)
			require.Equal(t, session.AwaitingChallenge, prev.State, "seed %d step %d", seed, step)
			require.Equal(t, validCode, ev.Text, "seed %d step %d", seed, step)
			require.True(t, matches(h.wg.mutations[after-1], prev.Confirmed),
				"dispatched %+v, confirmed %+v (seed %d step %d)", h.wg.mutations[after-1], prev.Confirmed, seed, step)
			require.Equal(t, session.Idle, sess.State)
		}
	}
}

func TestPrivilegedDispatchUnreachableWithoutConfirmation(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness(t)

		for step := 0; step < 400; step++ {
			h.engine.Handle(context.Background(), randomEvent(rng, false))
			require.NotEqual(t, session.AwaitingChallenge, h.session().State, "seed %d step %d", seed, step)
		}
		require.Zero(t, h.wg.mutationCount(), "seed %d", seed)
		require.Empty(t, h.squid.calls, "seed %d", seed)
		require.Empty(t, h.gateway.promoted, "seed %d", seed)
	}
}

// Two members share a chat. A dispatch must come from the member whose own
// conversation was awaiting the challenge, and must leave the other
// member's conversation as it was.
func TestPrivilegedDispatchBindsToActingMember(t *testing.T) {
	members := []int64{testUser, 999}
	for seed := int64(1); seed <= 40; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness(t)
		sessions := h.engine.Sessions()

		for step := 0; step < 400; step++ {
			ev := randomEvent(rng, true)
			ev.UserID = members[rng.Intn(len(members))]
			own := session.Key{ChatID: testChat, UserID: ev.UserID}
			other := session.Key{ChatID: testChat, UserID: members[0] + members[1] - ev.UserID}

			prevOwn := sessions.Get(own)
			prevOther := sessions.Get(other)
			before := h.wg.mutationCount()

			h.engine.Handle(context.Background(), ev)

			require.Equal(t, prevOther, sessions.Get(other), "seed %d step %d", seed, step)
			after := h.wg.mutationCount()
			if after == before {
				continue
			}
			require.Equal(t, session.AwaitingChallenge, prevOwn.State, "seed %d step %d", seed, step)
			require.True(t, matches(h.wg.mutations[after-1], prevOwn.Confirmed),
				"dispatched %+v, confirmed %+v (seed %d step %d)", h.wg.mutations[after-1], prevOwn.Confirmed, seed, step)
		}
	}
}
