// Package messaging defines the delivery sink through which the dispatcher
// hands finished messages to a transport. Transports themselves (Telegram,
// SMS, anything with a send call) live behind this interface.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Sink delivers one message to one recipient. Implementations report
// models.ErrRecipientGone (wrapped) for permanent failures so the dispatcher
// can retire the delivery as cancelled rather than failed.
type Sink interface {
	SendMessage(ctx context.Context, userID, text string) error
}

// RateLimitedSink wraps a Sink with a token-bucket limiter so bursts of due
// deliveries do not exceed the transport's send quota.
type RateLimitedSink struct {
	inner   Sink
	limiter *rate.Limiter
}

var _ Sink = (*RateLimitedSink)(nil)

// NewRateLimitedSink wraps inner with a limiter of perSecond messages and the
// given burst.
func NewRateLimitedSink(inner Sink, perSecond float64, burst int) *RateLimitedSink {
	return &RateLimitedSink{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (s *RateLimitedSink) SendMessage(ctx context.Context, userID, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return s.inner.SendMessage(ctx, userID, text)
}

// LogSink writes messages to the log instead of a transport. Used when no
// transport is configured, so the engine can run dry locally.
type LogSink struct{}

var _ Sink = (*LogSink)(nil)

func (LogSink) SendMessage(ctx context.Context, userID, text string) error {
	slog.Info("LogSink.SendMessage", "userID", userID, "text", text)
	return nil
}

// RecordingSink is a Sink for tests. It records every send and can be
// programmed to fail.
type RecordingSink struct {
	mu   sync.Mutex
	sent []RecordedMessage
	// Err, when non-nil, is returned by every SendMessage call.
	Err error
	// ErrFor returns the error for a specific user; checked before Err.
	ErrFor map[string]error
}

// RecordedMessage is one captured send.
type RecordedMessage struct {
	UserID string
	Text   string
}

var _ Sink = (*RecordingSink)(nil)

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{ErrFor: make(map[string]error)}
}

func (s *RecordingSink) SendMessage(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.ErrFor[userID]; ok && err != nil {
		return err
	}
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, RecordedMessage{UserID: userID, Text: text})
	return nil
}

// Sent returns a copy of the captured sends.
func (s *RecordingSink) Sent() []RecordedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
