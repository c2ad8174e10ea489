// Package telegram sends notifications to Telegram chats.
//
// A Gateway carries two destinations: the update chat for run summaries and
// the log chat for forwarded log records. Messages longer than the Bot API
// limit are truncated.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// MessageCharLimit is the maximum message length accepted by the Bot API.
const MessageCharLimit = 4096

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Config holds gateway configuration.
type Config struct {
	Token     string
	ChatID    int64
	LogChatID int64
	Timeout   time.Duration

	// RatePerSec paces outgoing messages. 0 disables pacing.
	RatePerSec int

	// APIURL overrides DefaultAPIURL (mainly for tests).
	APIURL string
}

// Gateway sends messages to the update chat and the log chat.
type Gateway struct {
	bot     *tele.Bot
	chat    *tele.Chat
	logChat *tele.Chat
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a gateway. It does not contact the Bot API.
func New(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if cfg.LogChatID == 0 {
		cfg.LogChatID = cfg.ChatID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	g := &Gateway{
		bot:     b,
		chat:    &tele.Chat{ID: cfg.ChatID},
		logChat: &tele.Chat{ID: cfg.LogChatID},
		logger:  log.With().Str("component", "telegram").Logger(),
	}
	if cfg.RatePerSec > 0 {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return g, nil
}

// Send posts a message to the update chat.
func (g *Gateway) Send(ctx context.Context, msg string) error {
	if err := g.send(ctx, g.chat, msg); err != nil {
		g.logger.Error().Err(err).Int64("chat_id", g.chat.ID).Msg("Error sending message")
		return err
	}
	return nil
}

// SendLog posts a message to the log chat.
func (g *Gateway) SendLog(ctx context.Context, msg string) error {
	if err := g.send(ctx, g.logChat, msg); err != nil {
		g.logger.Error().Err(err).Int64("chat_id", g.logChat.ID).Msg("Error sending log message")
		return err
	}
	return nil
}

// send does not log, so it is safe to call from a log writer.
func (g *Gateway) send(ctx context.Context, chat *tele.Chat, msg string) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for telegram rate limiter: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.bot.Send(chat, Truncate(msg)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// Truncate cuts msg to MessageCharLimit characters.
func Truncate(msg string) string {
	if len(msg) <= MessageCharLimit {
		return msg
	}
	n := 0
	for i := range msg {
		if n == MessageCharLimit {
			return msg[:i]
		}
		n++
	}
	return msg
}
