package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Client exposes a Messenger through opaque destination strings and
// message handles, which is the shape the delivery state machine persists.
type Client struct {
	m   Messenger
	opt SendOptions
}

func NewClient(m Messenger, opt SendOptions) *Client {
	return &Client{m: m, opt: opt}
}

// Send posts a new message and returns its handle.
func (c *Client) Send(ctx context.Context, dest, text string) (string, error) {
	to, err := ParseTarget(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	opt := c.opt
	ref, err := c.m.SendText(ctx, to, text, &opt)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(ref.MessageID), nil
}

// Edit replaces the text of the message identified by handle.
func (c *Client) Edit(ctx context.Context, dest, handle, text string) error {
	to, err := ParseTarget(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(handle))
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: invalid message handle %q", ErrPermanent, handle)
	}
	opt := c.opt
	return c.m.EditText(ctx, MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, text, &opt)
}
