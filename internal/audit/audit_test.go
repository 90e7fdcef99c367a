package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()
	var events []Event
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestLoggerChainsEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)
	logger.now = fixedClock()

	logger.LogAccessDenied("corr-1", 7, "wg", "not_permitted")
	logger.LogChallenge("corr-2", 100, 7, "add_peer", "Oleg Ivanov", "passed")
	logger.LogDispatch("corr-2", 100, 7, "add_peer", "Oleg Ivanov", 1500*time.Millisecond, errors.New("script failed"))

	events := decode(t, &buf)
	require.Len(t, events, 3)

	assert.Equal(t, "access.denied", events[0].EventType)
	assert.Equal(t, "", events[0].PrevHash)
	assert.Equal(t, "challenge.passed", events[1].EventType)
	assert.Equal(t, events[0].EventHash, events[1].PrevHash)
	assert.Equal(t, "failure", events[2].Decision)
	assert.Equal(t, "script failed", events[2].Error)
	require.NotNil(t, events[2].DurationMs)
	assert.Equal(t, int64(1500), *events[2].DurationMs)

	assert.Equal(t, uint64(0), VerifyChain(events))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)
	logger.now = fixedClock()

	logger.LogAccessDenied("a", 1, "wg", "no_commands")
	logger.LogAccessDenied("b", 2, "proxy", "no_commands")
	logger.LogAccessDenied("c", 3, "allowlist", "no_commands")

	events := decode(t, &buf)
	events[1].Command = "start"
	assert.Equal(t, uint64(2), VerifyChain(events))
}

func TestNilLoggerDiscards(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.LogAccessDenied("x", 1, "wg", "no_commands")
		logger.LogDispatch("x", 1, 1, "grant_ip", "p", time.Second, nil)
	})
	assert.NoError(t, logger.Close())
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := Open(path)
	require.NoError(t, err)
	logger.LogAccessDenied("x", 1, "wg", "no_commands")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"access.denied"`)
}
