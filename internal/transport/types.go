package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrPermanent marks a platform rejection that will not succeed on retry
// (unknown chat, bot kicked, malformed request).
var ErrPermanent = errors.New("permanent delivery error")

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Messenger is the chat platform capability used by the relay and the log sink.
type Messenger interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// RetryAfterError is returned when the platform asks the caller to back off.
type RetryAfterError struct {
	Wait time.Duration
	Err  error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Wait, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

func (e *RetryAfterError) RetryAfter() time.Duration { return e.Wait }

// ParseTarget parses a destination of the form "<chat_id>" or "<chat_id>:<thread_id>".
func ParseTarget(raw string) (ChatTarget, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChatTarget{}, errors.New("empty destination")
	}
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return ChatTarget{}, fmt.Errorf("invalid chat id in destination %q", raw)
	}
	t := ChatTarget{ChatID: chatID}
	if hasThread {
		tid, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || tid < 0 {
			return ChatTarget{}, fmt.Errorf("invalid thread id in destination %q", raw)
		}
		t.ThreadID = tid
	}
	return t, nil
}
