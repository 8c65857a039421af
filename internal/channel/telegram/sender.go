// Package telegram implements the Telegram side of notification delivery:
// an outbound Sender over the bot API and an inbound webhook handler for
// guardian commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"clubledger/internal/channel"
	logx "clubledger/pkg/logx"
)

// Config configures the Telegram bot.
type Config struct {
	Token      string
	RatePerSec int
	// Offline skips the bot API handshake; used by tests.
	Offline bool
}

// Sender delivers rendered messages to Telegram chats.
type Sender struct {
	bot *tele.Bot
	lim *rate.Limiter
	log logx.Logger
}

func NewSender(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: cfg.Offline})
	if err != nil {
		return nil, err
	}
	return &Sender{
		bot: b,
		lim: rate.NewLimiter(rate.Limit(rps), rps),
		log: log,
	}, nil
}

func (s *Sender) Name() channel.Channel { return channel.Telegram }

// Send delivers msg.Body to the chat id in address. Long bodies are
// chunked below the Telegram message size limit.
func (s *Sender) Send(ctx context.Context, address string, msg channel.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return channel.Permanent(fmt.Errorf("malformed chat id %q", address))
	}
	return s.sendText(ctx, chatID, msg.Body)
}

// Reply is the inbound-command response path; it shares the outbound rate
// limit so command replies and notifications never race the API quota.
func (s *Sender) Reply(ctx context.Context, chatID int64, text string) error {
	return s.sendText(ctx, chatID, text)
}

func (s *Sender) sendText(ctx context.Context, chatID int64, text string) error {
	if err := s.lim.Wait(ctx); err != nil {
		return channel.Transient(err)
	}

	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, telegramTextLimit) {
		select {
		case <-ctx.Done():
			return channel.Transient(ctx.Err())
		default:
		}
		if _, err := s.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			s.log.Debug("telegram send failed", logx.Int64("chat_id", chatID), logx.Err(err))
			return classify(err)
		}
	}
	return nil
}

// classify maps bot API errors onto the shared delivery taxonomy.
// Blocked chats and bad chat ids are permanent; floods and transport
// failures are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return channel.Transient(err)
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrUserIsDeactivated) {
		return channel.Permanent(err)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return channel.Permanent(err)
	}
	return channel.Transient(err)
}

const telegramTextLimit = 4000

// splitText splits long messages into chunks that are safe to send to
// Telegram, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// sendTimeout bounds a single webhook reply so a slow bot API call never
// stalls the HTTP handler.
const sendTimeout = 10 * time.Second
