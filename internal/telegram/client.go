// Package telegram connects the conversation engine to the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/opsdesk/opsbot/internal/access"
	"github.com/opsdesk/opsbot/internal/flow"
	"github.com/opsdesk/opsbot/internal/logging"
)

const (
	// maxMessageRunes is the Bot API limit on message text.
	maxMessageRunes = 4096
	// maxCallbackData is the Bot API limit on button payloads, in bytes.
	maxCallbackData = 64
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Client delivers engine replies and command menus.
type Client struct {
	api API
}

// NewClient wraps api.
func NewClient(api API) *Client {
	return &Client{api: api}
}

// Send delivers msg as HTML. An edit that the API refuses is retried as a
// new message so the operator always sees the outcome. Reply keyboard
// changes cannot ride on an edit, so such messages are always sent anew.
func (c *Client) Send(ctx context.Context, chatID int64, msg flow.Message) error {
	chunks := splitText(msg.Text, maxMessageRunes)
	markup := keyboard(ctx, msg.Buttons)

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		var rows *tgbotapi.InlineKeyboardMarkup
		if last {
			rows = markup
		}

		if last && msg.WebApp != nil {
			if err := c.sendWebApp(chatID, chunk, msg.WebApp); err != nil {
				return fmt.Errorf("send web app button to chat %d: %w", chatID, err)
			}
			continue
		}

		if i == 0 && msg.EditOf != 0 && msg.WebApp == nil && !msg.RemoveKeyboard {
			edit := tgbotapi.NewEditMessageText(chatID, msg.EditOf, chunk)
			edit.ParseMode = tgbotapi.ModeHTML
			edit.ReplyMarkup = rows
			_, err := c.api.Send(edit)
			if err == nil {
				continue
			}
			logger := logging.FromContext(ctx)
			logger.Debug().Err(err).Int64("chat_id", chatID).Int("message_id", msg.EditOf).Msg("Edit refused; sending new message")
		}

		out := tgbotapi.NewMessage(chatID, chunk)
		out.ParseMode = tgbotapi.ModeHTML
		out.DisableWebPagePreview = true
		switch {
		case rows != nil:
			out.ReplyMarkup = *rows
		case last && msg.RemoveKeyboard:
			out.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
		}
		if _, err := c.api.Send(out); err != nil {
			return fmt.Errorf("send message to chat %d: %w", chatID, err)
		}
	}
	return nil
}

// The Bot API library predates web apps, so the reply keyboard carrying a
// web_app button is encoded here and sent as a raw sendMessage call.
type webAppKeyboard struct {
	Keyboard        [][]webAppKey `json:"keyboard"`
	ResizeKeyboard  bool          `json:"resize_keyboard"`
	OneTimeKeyboard bool          `json:"one_time_keyboard"`
}

type webAppKey struct {
	Text   string     `json:"text"`
	WebApp webAppInfo `json:"web_app"`
}

type webAppInfo struct {
	URL string `json:"url"`
}

func (c *Client) sendWebApp(chatID int64, text string, button *flow.WebAppButton) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params["text"] = text
	params["parse_mode"] = tgbotapi.ModeHTML
	markup := webAppKeyboard{
		Keyboard:        [][]webAppKey{{{Text: button.Label, WebApp: webAppInfo{URL: button.URL}}}},
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
	if err := params.AddInterface("reply_markup", markup); err != nil {
		return err
	}
	_, err := c.api.MakeRequest("sendMessage", params)
	return err
}

// Typing shows the typing indicator for a few seconds.
func (c *Client) Typing(_ context.Context, chatID int64) error {
	_, err := c.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// PublishMenu replaces the chat-scoped command menu.
func (c *Client) PublishMenu(_ context.Context, chatID int64, cmds []access.Command) error {
	commands := make([]tgbotapi.BotCommand, 0, len(cmds))
	for _, cmd := range cmds {
		commands = append(commands, tgbotapi.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	cfg := tgbotapi.NewSetMyCommandsWithScope(tgbotapi.NewBotCommandScopeChat(chatID), commands...)
	if _, err := c.api.Request(cfg); err != nil {
		return fmt.Errorf("set commands for chat %d: %w", chatID, err)
	}
	return nil
}

// AnswerCallback stops the client-side spinner of a pressed button.
func (c *Client) AnswerCallback(id string) error {
	_, err := c.api.Request(tgbotapi.NewCallback(id, ""))
	return err
}

func keyboard(ctx context.Context, rows [][]flow.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if len(b.Token) > maxCallbackData {
				logger := logging.FromContext(ctx)
				logger.Warn().Str("label", b.Label).Int("bytes", len(b.Token)).Msg("Button payload exceeds Telegram limit; dropping button")
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Token))
		}
		if len(buttons) > 0 {
			out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
	}
	if len(out) == 0 {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &markup
}
