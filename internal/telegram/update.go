package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/opsdesk/opsbot/internal/flow"
)

// ToEvent converts an update into an engine event. Updates the engine has
// no use for (stickers, edits, channel posts) report false.
func ToEvent(u tgbotapi.Update) (flow.Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if q.From == nil || q.Message == nil || q.Message.Chat == nil || q.Data == "" {
			return flow.Event{}, false
		}
		return flow.Event{
			ChatID:    q.Message.Chat.ID,
			UserID:    q.From.ID,
			MessageID: q.Message.MessageID,
			Button:    q.Data,
		}, true

	case u.Message != nil:
		m := u.Message
		if m.From == nil || m.Chat == nil || m.Text == "" {
			return flow.Event{}, false
		}
		ev := flow.Event{ChatID: m.Chat.ID, UserID: m.From.ID, MessageID: m.MessageID}
		if m.IsCommand() {
			ev.Command = m.Command()
			ev.Args = m.CommandArguments()
			if ev.Command == "" {
				return flow.Event{}, false
			}
			return ev, true
		}
		ev.Text = m.Text
		return ev, true
	}
	return flow.Event{}, false
}
