// Package telegram implements the delivery sink against the Telegram Bot API.
//
// The adapter is send-only: inbound updates, commands and conversation flow
// belong to the bot layer that owns the token. Only the delivery path of a
// scheduled message runs through here.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/lumabot/cadence/internal/messaging"
	"github.com/lumabot/cadence/internal/models"
)

// Sink sends messages through a Telegram bot. User IDs are numeric chat IDs
// in decimal string form.
type Sink struct {
	bot *tele.Bot
}

var _ messaging.Sink = (*Sink)(nil)

// NewSink creates a Telegram sink for the given bot token.
func NewSink(token string) (*Sink, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token: token,
		// No poller: this bot instance only sends.
		Synchronous: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init failed: %w", err)
	}
	return &Sink{bot: bot}, nil
}

func (s *Sink) SendMessage(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram send: user ID %q is not a chat ID: %w", userID, err)
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := s.bot.Send(tele.ChatID(chatID), text)
		done <- result{err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err == nil {
			return nil
		}
		if isRecipientGone(r.err) {
			slog.Info("TelegramSink.SendMessage: recipient gone", "userID", userID)
			return fmt.Errorf("%w: %v", models.ErrRecipientGone, r.err)
		}
		return fmt.Errorf("telegram send failed: %w", r.err)
	}
}

// isRecipientGone reports whether the API error means the recipient can never
// be reached again with this chat ID.
func isRecipientGone(err error) bool {
	return errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound)
}

// FloodWait returns the retry delay Telegram asked for, if the error is a
// flood-rate response. Callers pacing sends through a rate limiter normally
// never see this.
func FloodWait(err error) (time.Duration, bool) {
	var fe *tele.FloodError
	if errors.As(err, &fe) {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	return 0, false
}
