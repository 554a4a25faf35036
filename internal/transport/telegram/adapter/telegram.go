package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "alertrelay/internal/transport"
	logx "alertrelay/pkg/logx"
	"alertrelay/pkg/tgui"
)

type Config struct {
	Token  string
	APIURL string // empty means the public Bot API
	// Timeout bounds every HTTP round trip to the Bot API.
	Timeout time.Duration
}

// Adapter implements kit.Messenger on top of telebot.
//
// It never polls for updates: the relay only sends and edits.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimSpace(cfg.APIURL),
		Client: &http.Client{Timeout: timeout},
		// Offline skips getMe at construction; a bad token surfaces on the first send.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// checkLen rejects text that Telegram would refuse or that would need more
// than one message. Splitting would break the one-message-per-alert edit.
func checkLen(text string) error {
	if n := utf8.RuneCountInString(text); n > tgui.MessageLimit {
		return fmt.Errorf("%w: text is %d runes, limit is %d", kit.ErrPermanent, n, tgui.MessageLimit)
	}
	return nil
}

func (a *Adapter) sendOptions(opt *kit.SendOptions, threadID int) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
}

// SendText posts text as a single message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := checkLen(text); err != nil {
		return kit.MessageRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, a.sendOptions(opt, to.ThreadID))
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// EditText replaces the text of an existing message.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := checkLen(text); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, text, a.sendOptions(opt, 0)); err != nil {
		if !isNotModified(err) {
			return classify(err)
		}
		a.log.Debug("edit skipped, content unchanged", logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID))
	}
	return nil
}

var reRetryAfter = regexp.MustCompile(`(?i)retry after (\d+)`)

// classify maps Bot API failures onto the transport error vocabulary.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if m := reRetryAfter.FindStringSubmatch(err.Error()); len(m) == 2 {
		if secs, perr := strconv.Atoi(m[1]); perr == nil {
			return &kit.RetryAfterError{Wait: time.Duration(secs) * time.Second, Err: err}
		}
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == http.StatusBadRequest || te.Code == http.StatusForbidden || te.Code == http.StatusUnauthorized) {
		return fmt.Errorf("%w: %v", kit.ErrPermanent, err)
	}
	return err
}

func isNotModified(err error) bool {
	if errors.Is(err, tele.ErrSameMessageContent) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
