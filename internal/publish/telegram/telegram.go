// Package telegram delivers posts to Telegram channels over the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postpilot/internal/publish"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Token string
	// RatePerSec caps outgoing sends; Telegram throttles bots around 30
	// messages per second globally. 0 means a conservative default.
	RatePerSec int
	// Offline skips the getMe handshake; used in tests.
	Offline bool
}

// Publisher sends rendered posts to Telegram chats.
type Publisher struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: cfg.Offline})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Publisher{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.String("component", "telegram_publisher")),
	}, nil
}

func (p *Publisher) Platform() string { return "telegram" }

func (p *Publisher) Send(ctx context.Context, dst publish.Destination, msg publish.Message) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	to, err := recipient(dst)
	if err != nil {
		return publish.NoRetry(err)
	}

	start := time.Now()
	_, err = p.bot.Send(to, msg.Render(), &tele.SendOptions{ParseMode: tele.ModeHTML})
	if err != nil {
		return classify(err)
	}

	p.log.Debug("message delivered",
		logx.String("chat", to.Recipient()),
		logx.Duration("took", time.Since(start)))
	return nil
}

// chatRef satisfies tele.Recipient for both numeric chat ids and @handles.
type chatRef string

func (r chatRef) Recipient() string { return string(r) }

func recipient(dst publish.Destination) (tele.Recipient, error) {
	if id := strings.TrimSpace(dst.ChatID); id != "" {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return nil, fmt.Errorf("telegram chat id %q is not numeric", id)
		}
		return chatRef(id), nil
	}
	if handle := strings.TrimSpace(dst.ChannelID); handle != "" {
		if !strings.HasPrefix(handle, "@") {
			handle = "@" + handle
		}
		return chatRef(handle), nil
	}
	return nil, errors.New("destination has neither chat id nor channel handle")
}

// classify maps Bot API failures onto the dispatcher's retry taxonomy:
// flood waits carry their server-provided delay, other API rejections are
// permanent, everything else (network, 5xx) stays retryable as-is.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return publish.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 {
		return publish.NoRetry(err)
	}
	return err
}
