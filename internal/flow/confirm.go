package flow

import (
	"context"
	"strings"
	"time"

	internalerrors "github.com/opsdesk/opsbot/internal/errors"
	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/opsdesk/opsbot/internal/otp"
	"github.com/opsdesk/opsbot/internal/session"
)

func (e *Engine) handleConfirmation(ctx context.Context, ev Event) {
	sess := e.sessions.Get(ev.key())
	if sess.State != session.AwaitingYesNo || sess.Candidate.Kind == session.ActionNone {
		e.reply(ctx, ev, msgStaleButton)
		return
	}

	if ev.Button == tokenNo {
		e.sessions.Clear(ev.key())
		e.reply(ctx, ev, msgCancelled)
		return
	}

	spec, ok := actionSpecs[sess.Candidate.Kind]
	if !ok {
		e.sessions.Clear(ev.key())
		e.reply(ctx, ev, msgStaleButton)
		return
	}

	// The yes transition is the only writer of Confirmed.
	confirmed := sess.Candidate
	if spec.stepUp {
		e.sessions.Put(ev.key(), session.Session{
			State:     session.AwaitingChallenge,
			Attempts:  session.DefaultAttempts,
			Confirmed: confirmed,
		})
		e.reply(ctx, ev, msgChallenge, cancelRow())
		return
	}

	e.sessions.Clear(ev.key())
	e.reply(ctx, ev, "⏳ Working…")
	e.dispatch(ctx, ev, confirmed)
}

func (e *Engine) handleChallenge(ctx context.Context, ev Event, sess session.Session) {
	submitted := strings.TrimSpace(ev.Text)
	action := sess.Confirmed
	requestID := logging.RequestID(ctx)

	sess.Attempts--
	e.sessions.Put(ev.key(), sess)

	if otp.WellFormed(submitted) && e.challenger.Verify(submitted) {
		e.metrics.RecordChallenge("passed")
		e.audit.LogChallenge(requestID, ev.ChatID, ev.UserID, action.Kind.String(), action.Subject(), "passed")
		defer e.sessions.Clear(ev.key())
		e.dispatch(ctx, ev, action)
		return
	}

	result, retry := "failed", msgChallengeWrong
	if !otp.WellFormed(submitted) {
		result, retry = "malformed", msgChallengeShape
	}
	e.metrics.RecordChallenge(result)

	logger := logging.FromContext(ctx)
	logger.Info().
		Err(internalerrors.Challenge(action.Kind.String(), result)).
		Str("action", action.Kind.String()).
		Str("result", result).
		Int("attempts_left", sess.Attempts).
		Msg("Step-up challenge rejected")

	if sess.Attempts > 0 {
		e.audit.LogChallenge(requestID, ev.ChatID, ev.UserID, action.Kind.String(), action.Subject(), "failed")
		e.answer(ctx, ev, retry, cancelRow())
		return
	}

	e.metrics.RecordChallenge("exhausted")
	e.audit.LogChallenge(requestID, ev.ChatID, ev.UserID, action.Kind.String(), action.Subject(), "exhausted")
	e.sessions.Clear(ev.key())
	e.answer(ctx, ev, msgExhausted)
}

// dispatch executes a confirmed action and reports its outcome.
func (e *Engine) dispatch(ctx context.Context, ev Event, a session.Action) {
	e.answer(ctx, ev, e.perform(ctx, ev, a))
}

// perform executes a and returns the text to show the operator.
func (e *Engine) perform(ctx context.Context, ev Event, a session.Action) string {
	spec, ok := actionSpecs[a.Kind]
	if !ok {
		return msgStaleButton
	}

	var text string
	start := time.Now()
	err := e.withIndicator(ctx, ev.ChatID, func(ctx context.Context) error {
		var err error
		text, err = spec.run(ctx, e, ev.UserID, a)
		return err
	})
	elapsed := time.Since(start)

	e.metrics.RecordDispatch(a.Kind.String(), err)
	e.audit.LogDispatch(logging.RequestID(ctx), ev.ChatID, ev.UserID, a.Kind.String(), a.Subject(), elapsed, err)

	logger := logging.FromContext(ctx)
	if err != nil {
		logger.Warn().Err(err).
			Str("action", a.Kind.String()).
			Str("subject", a.Subject()).
			Dur("elapsed", elapsed).
			Msg("Action failed")
		return failureText(err)
	}
	logger.Info().
		Str("action", a.Kind.String()).
		Str("subject", a.Subject()).
		Dur("elapsed", elapsed).
		Msg("Action completed")
	return text
}
