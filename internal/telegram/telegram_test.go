package telegram

import (
	"fmt"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"
)

func TestIsRecipientGone(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{tele.ErrBlockedByUser, true},
		{tele.ErrUserIsDeactivated, true},
		{tele.ErrChatNotFound, true},
		{fmt.Errorf("wrapped: %w", tele.ErrBlockedByUser), true},
		{fmt.Errorf("some transient thing"), false},
		{tele.ErrTooLongMessage, false},
	}
	for _, c := range cases {
		if got := isRecipientGone(c.err); got != c.want {
			t.Errorf("isRecipientGone(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestFloodWait(t *testing.T) {
	fe := &tele.FloodError{Error: tele.NewError(429, "retry after 17"), RetryAfter: 17}
	d, ok := FloodWait(fmt.Errorf("send: %w", fe))
	if !ok || d != 17*time.Second {
		t.Errorf("FloodWait = %v, %v; want 17s, true", d, ok)
	}
	if _, ok := FloodWait(fmt.Errorf("other")); ok {
		t.Error("FloodWait should not match arbitrary errors")
	}
}
