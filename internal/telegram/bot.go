package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/opsdesk/opsbot/internal/flow"
	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/opsdesk/opsbot/internal/metrics"
)

// Throttler admits or rejects one update per user.
type Throttler interface {
	Allow(userID int64) bool
}

// Bot polls for updates and feeds them to a Dispatcher.
type Bot struct {
	api         API
	client      *Client
	dispatcher  *Dispatcher
	limiter     Throttler
	metrics     *metrics.Metrics
	pollTimeout int
}

// Options configures a Bot. Limiter and Metrics may be nil.
type Options struct {
	PollTimeout int // seconds
	Limiter     Throttler
	Metrics     *metrics.Metrics
}

// Connect authenticates token against the Bot API.
func Connect(token string, debug bool) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	api.Debug = debug
	return api, nil
}

// NewBot creates a Bot that hands events to handle.
func NewBot(api API, handle Handler, opts Options) *Bot {
	return &Bot{
		api:         api,
		client:      NewClient(api),
		dispatcher:  NewDispatcher(handle),
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		pollTimeout: opts.PollTimeout,
	}
}

// Client returns the outbound side of the bot.
func (b *Bot) Client() *Client {
	return b.client
}

// Run polls until ctx is cancelled or the update channel closes, then
// waits for in-flight handlers to finish.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)

	logger := logging.FromContext(ctx)
	logger.Info().Int("poll_timeout", b.pollTimeout).Msg("Polling for updates")

	defer func() {
		b.api.StopReceivingUpdates()
		b.dispatcher.Wait()
		logger.Info().Msg("Update loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, update)
		}
	}
}

func (b *Bot) route(ctx context.Context, u tgbotapi.Update) {
	if u.CallbackQuery != nil {
		if err := b.client.AnswerCallback(u.CallbackQuery.ID); err != nil {
			logger := logging.FromContext(ctx)
			logger.Debug().Err(err).Msg("Failed to answer callback query")
		}
	}

	ev, ok := ToEvent(u)
	if !ok {
		return
	}
	b.admit(ctx, ev, u.UpdateID)
}

// Submit queues an event that arrived outside the update stream, such as a
// web app report. It shares the per-user throttle and per-chat ordering of
// polled updates.
func (b *Bot) Submit(ctx context.Context, ev flow.Event) {
	b.admit(ctx, ev, 0)
}

func (b *Bot) admit(ctx context.Context, ev flow.Event, updateID int) {
	if b.limiter != nil && !b.limiter.Allow(ev.UserID) {
		b.metrics.RecordThrottled()
		logger := logging.FromContext(ctx)
		logger.Debug().Int64("user_id", ev.UserID).Int("update_id", updateID).Msg("Update throttled")
		return
	}

	ctx, _ = logging.WithRequestID(ctx, logging.RequestID(ctx))
	b.dispatcher.Submit(ctx, ev)
}
