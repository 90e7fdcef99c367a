// Package audit writes an append-only, hash-chained trail of security
// relevant bot events. A nil *Logger is valid and discards everything.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger emits audit events, each hashed together with its predecessor.
type Logger struct {
	mu       sync.Mutex
	closer   io.Closer
	logger   zerolog.Logger
	prevHash []byte
	sequence uint64
	now      func() time.Time
}

// Event captures a single security-relevant action.
type Event struct {
	Sequence      uint64    `json:"seq"`
	Timestamp     time.Time `json:"ts"`
	EventType     string    `json:"event_type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	UserID        int64     `json:"user_id,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	Command       string    `json:"command,omitempty"`
	Action        string    `json:"action,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Decision      string    `json:"decision,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	PrevHash      string    `json:"prev_hash"`
	EventHash     string    `json:"event_hash"`
}

// Open appends to the audit file at path.
func Open(path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	l := New(file)
	l.closer = file
	return l, nil
}

// New writes audit events to w.
func New(w io.Writer) *Logger {
	return &Logger{
		logger: zerolog.New(w),
		now:    time.Now,
	}
}

// Close closes the underlying file, if any.
func (a *Logger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// LogAccessDenied records a gate rejection.
func (a *Logger) LogAccessDenied(correlationID string, userID int64, command, reason string) {
	a.log(&Event{
		EventType:     "access.denied",
		CorrelationID: correlationID,
		UserID:        userID,
		Command:       command,
		Decision:      "denied",
		Reason:        reason,
	})
}

// LogChallenge records a step-up challenge outcome: passed, failed or
// exhausted.
func (a *Logger) LogChallenge(correlationID string, chatID, userID int64, action, subject, decision string) {
	a.log(&Event{
		EventType:     "challenge." + decision,
		CorrelationID: correlationID,
		ChatID:        chatID,
		UserID:        userID,
		Action:        action,
		Subject:       subject,
		Decision:      decision,
	})
}

// LogDispatch records a mutating action sent to a remote host or store.
func (a *Logger) LogDispatch(correlationID string, chatID, userID int64, action, subject string, duration time.Duration, err error) {
	ms := duration.Milliseconds()
	event := &Event{
		EventType:     "action.dispatched",
		CorrelationID: correlationID,
		ChatID:        chatID,
		UserID:        userID,
		Action:        action,
		Subject:       subject,
		Decision:      "success",
		DurationMs:    &ms,
	}
	if err != nil {
		event.Decision = "failure"
		event.Error = err.Error()
	}
	a.log(event)
}

func (a *Logger) log(event *Event) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sequence++
	event.Sequence = a.sequence
	event.Timestamp = a.now().UTC()
	event.PrevHash = hex.EncodeToString(a.prevHash)

	payload, err := marshalForHash(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal audit event")
		return
	}

	sum := sha256.Sum256(append(a.prevHash, payload...))
	a.prevHash = sum[:]
	event.EventHash = hex.EncodeToString(sum[:])

	a.logger.Log().Fields(toMap(event)).Send()
}

func marshalForHash(event *Event) ([]byte, error) {
	clone := *event
	clone.EventHash = ""
	return json.Marshal(clone)
}

func toMap(event *Event) map[string]interface{} {
	m := map[string]interface{}{
		"ts":         event.Timestamp.Format(time.RFC3339Nano),
		"event_type": event.EventType,
		"seq":        event.Sequence,
		"prev_hash":  event.PrevHash,
		"event_hash": event.EventHash,
		"decision":   event.Decision,
	}
	if event.CorrelationID != "" {
		m["correlation_id"] = event.CorrelationID
	}
	if event.UserID != 0 {
		m["user_id"] = event.UserID
	}
	if event.ChatID != 0 {
		m["chat_id"] = event.ChatID
	}
	if event.Command != "" {
		m["command"] = event.Command
	}
	if event.Action != "" {
		m["action"] = event.Action
	}
	if event.Subject != "" {
		m["subject"] = event.Subject
	}
	if event.Reason != "" {
		m["reason"] = event.Reason
	}
	if event.DurationMs != nil {
		m["duration_ms"] = *event.DurationMs
	}
	if event.Error != "" {
		m["error"] = event.Error
	}
	return m
}

// VerifyChain recomputes the hash chain of a decoded audit trail and
// returns the sequence number of the first broken link, or 0.
func VerifyChain(events []Event) uint64 {
	var prev []byte
	for _, event := range events {
		if event.PrevHash != hex.EncodeToString(prev) {
			return event.Sequence
		}
		want := event.EventHash
		payload, err := marshalForHash(&event)
		if err != nil {
			return event.Sequence
		}
		sum := sha256.Sum256(append(prev, payload...))
		if hex.EncodeToString(sum[:]) != want {
			return event.Sequence
		}
		prev = sum[:]
	}
	return 0
}
