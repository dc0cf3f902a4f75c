package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/yangwenmai/cadence/internal/model"
)

const (
	telegramName = "telegram"

	// Telegram limits.
	maxCaptionRunes = 1024
	maxMessageRunes = 4096
)

// Sender is the part of *tgbotapi.BotAPI the adapter uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts to a chat or channel through the Bot API. It has no native
// scheduling.
type Telegram struct {
	api Sender
}

// NewTelegram connects a bot with token.
func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	return &Telegram{api: api}, nil
}

// NewTelegramWithSender wraps an existing sender.
func NewTelegramWithSender(api Sender) *Telegram {
	return &Telegram{api: api}
}

// Send posts msg. A message with an image and a short enough text goes out as
// a captioned photo. Text over the Bot API message limit is refused rather
// than cut, so a post is never published incomplete.
func (t *Telegram) Send(ctx context.Context, channelRef string, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &model.ChannelError{Channel: telegramName, Retryable: true, Err: err}
	}
	chatID, username, err := parseChatRef(channelRef)
	if err != nil {
		return Receipt{}, &model.ChannelError{Channel: telegramName, Err: err}
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Receipt{}, &model.ChannelError{Channel: telegramName, Err: errors.New("empty message")}
	}
	if n := utf8.RuneCountInString(text); n > maxMessageRunes {
		return Receipt{}, &model.ChannelError{Channel: telegramName, Err: fmt.Errorf("message is %d characters, limit is %d", n, maxMessageRunes)}
	}

	var c tgbotapi.Chattable
	if msg.ImageURL != "" && utf8.RuneCountInString(text) <= maxCaptionRunes {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.ImageURL))
		photo.ChannelUsername = username
		photo.Caption = text
		c = photo
	} else {
		m := tgbotapi.NewMessage(chatID, text)
		m.ChannelUsername = username
		c = m
	}

	sent, err := t.api.Send(c)
	if err != nil {
		return Receipt{}, classify(err)
	}
	return Receipt{ExternalID: strconv.Itoa(sent.MessageID)}, nil
}

// ScheduleNative is not supported by the Bot API.
func (t *Telegram) ScheduleNative(_ context.Context, _ string, _ Message, _ time.Time) (Receipt, error) {
	return Receipt{}, &model.ChannelError{Channel: telegramName, Err: errors.New("native scheduling is not supported")}
}

// Confirm is not supported by the Bot API.
func (t *Telegram) Confirm(_ context.Context, _, _ string) (Confirmation, error) {
	return Confirmation{}, &model.ChannelError{Channel: telegramName, Err: errors.New("native scheduling is not supported")}
}

// parseChatRef accepts a numeric chat id or an @channel username.
func parseChatRef(ref string) (int64, string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "@") && len(ref) > 1 {
		return 0, ref, nil
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id == 0 {
		return 0, "", fmt.Errorf("invalid chat reference %q", ref)
	}
	return id, "", nil
}

// classify marks rate limits, server errors and transport failures retryable.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		retryable := apiErr.Code == 429 || apiErr.Code >= 500
		return &model.ChannelError{Channel: telegramName, Retryable: retryable, Err: err}
	}
	return &model.ChannelError{Channel: telegramName, Retryable: true, Err: err}
}
