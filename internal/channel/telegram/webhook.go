package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"clubledger/internal/channel"
	"clubledger/internal/dispatch"
	"clubledger/internal/ledger"
	"clubledger/internal/notify"
	"clubledger/internal/roster"
	logx "clubledger/pkg/logx"
)

// Replier sends a command response back to a chat. The outbound Sender
// implements it; tests use a fake.
type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

// Directory is the roster and subscription state the webhook needs.
type Directory interface {
	// AthleteByGuardianPhone matches a digits-only phone against the roster.
	AthleteByGuardianPhone(ctx context.Context, phone string) (roster.Athlete, bool, error)
	// BindChat links a chat to the athlete whose guardian shared the phone.
	BindChat(ctx context.Context, chatID int64, athleteID string) error
	// ChatAthlete resolves the athlete a chat was bound to.
	ChatAthlete(ctx context.Context, chatID int64) (roster.Athlete, bool, error)

	UpsertSubscription(ctx context.Context, sub dispatch.Subscription) error
	DeactivateSubscription(ctx context.Context, recipientID string, ch channel.Channel, address string) error
}

// BalanceReader is the slice of the ledger the /status command reads.
type BalanceReader interface {
	GetBalance(ctx context.Context, athleteID string) (ledger.Balance, error)
}

// update mirrors the subset of the bot API webhook payload we act on.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text    string `json:"text"`
		Contact *struct {
			PhoneNumber string `json:"phone_number"`
		} `json:"contact"`
	} `json:"message"`
}

// Webhook handles inbound bot updates: guardian commands plus the
// contact-share flow that links a chat to an athlete.
//
// Every update is acknowledged with 200 regardless of outcome, so the bot
// API never re-delivers updates we already processed.
type Webhook struct {
	dir     Directory
	ledger  BalanceReader
	replier Replier
	log     logx.Logger
	secret  string
}

func NewWebhook(dir Directory, balances BalanceReader, replier Replier, secret string, log logx.Logger) *Webhook {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{
		dir:     dir,
		ledger:  balances,
		replier: replier,
		log:     log,
		secret:  secret,
	}
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if w.secret != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
	}

	var up update
	if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
		w.log.Debug("webhook decode failed", logx.Err(err))
	} else if up.Message != nil {
		w.handle(r.Context(), up)
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(`{"ok":true}`))
}

func (w *Webhook) handle(ctx context.Context, up update) {
	msg := up.Message
	chatID := msg.Chat.ID

	var text string
	switch {
	case msg.Contact != nil:
		text = w.bindContact(ctx, chatID, msg.Contact.PhoneNumber)
	default:
		text = w.command(ctx, chatID, msg.Text)
	}
	if text == "" {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := w.replier.Reply(rctx, chatID, text); err != nil {
		w.log.Warn("webhook reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (w *Webhook) command(ctx context.Context, chatID int64, text string) string {
	cmd := strings.ToLower(strings.TrimSpace(text))
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		cmd = cmd[:i]
	}
	// Group chats address commands as /cmd@BotName.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		return msgWelcome
	case "/status":
		return w.status(ctx, chatID)
	case "/subscribe":
		return w.subscribe(ctx, chatID)
	case "/unsubscribe":
		return w.unsubscribe(ctx, chatID)
	default:
		return msgHelp
	}
}

func (w *Webhook) bindContact(ctx context.Context, chatID int64, phone string) string {
	digits := normalizePhone(phone)
	if digits == "" {
		return msgPhoneNotFound
	}
	ath, ok, err := w.dir.AthleteByGuardianPhone(ctx, digits)
	if err != nil {
		w.log.Warn("phone lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return msgTryLater
	}
	if !ok {
		return msgPhoneNotFound
	}
	if err := w.dir.BindChat(ctx, chatID, ath.ID); err != nil {
		w.log.Warn("chat bind failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return msgTryLater
	}
	w.log.Info("chat linked to athlete",
		logx.Int64("chat_id", chatID),
		logx.String("athlete_id", ath.ID),
	)
	return fmt.Sprintf("Linked to %s. Send /subscribe to receive payment and training updates.", ath.Name)
}

func (w *Webhook) status(ctx context.Context, chatID int64) string {
	ath, ok, err := w.dir.ChatAthlete(ctx, chatID)
	if err != nil {
		w.log.Warn("chat lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return msgTryLater
	}
	if !ok {
		return msgNotLinked
	}
	bal, err := w.ledger.GetBalance(ctx, ath.ID)
	if err != nil {
		w.log.Warn("balance lookup failed", logx.String("athlete_id", ath.ID), logx.Err(err))
		return msgTryLater
	}
	switch bal.Status {
	case ledger.StatusPaid:
		return fmt.Sprintf("%s: all paid up.", ath.Name)
	case ledger.StatusOverdue:
		return fmt.Sprintf("%s: %s outstanding, overdue since %s.",
			ath.Name, notify.FormatAmount(bal.Amount), bal.OverSince.Format("2 January"))
	default:
		return fmt.Sprintf("%s: %s outstanding.", ath.Name, notify.FormatAmount(bal.Amount))
	}
}

func (w *Webhook) subscribe(ctx context.Context, chatID int64) string {
	ath, ok, err := w.dir.ChatAthlete(ctx, chatID)
	if err != nil {
		w.log.Warn("chat lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return msgTryLater
	}
	if !ok {
		return msgNotLinked
	}
	sub := dispatch.Subscription{
		RecipientID: ath.ID,
		Channel:     channel.Telegram,
		Address:     strconv.FormatInt(chatID, 10),
		Active:      true,
	}
	if err := w.dir.UpsertSubscription(ctx, sub); err != nil {
		w.log.Warn("subscribe failed", logx.String("athlete_id", ath.ID), logx.Err(err))
		return msgTryLater
	}
	return fmt.Sprintf("Subscribed to updates for %s.", ath.Name)
}

func (w *Webhook) unsubscribe(ctx context.Context, chatID int64) string {
	ath, ok, err := w.dir.ChatAthlete(ctx, chatID)
	if err != nil {
		w.log.Warn("chat lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return msgTryLater
	}
	if !ok {
		return msgNotLinked
	}
	addr := strconv.FormatInt(chatID, 10)
	if err := w.dir.DeactivateSubscription(ctx, ath.ID, channel.Telegram, addr); err != nil {
		w.log.Warn("unsubscribe failed", logx.String("athlete_id", ath.ID), logx.Err(err))
		return msgTryLater
	}
	return fmt.Sprintf("Unsubscribed from updates for %s.", ath.Name)
}

// normalizePhone keeps digits only so "+7 (912) 345-67-89" and
// "79123456789" compare equal.
func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

const (
	msgWelcome = "Welcome! Share your contact (attach > contact) to link this chat to your athlete, then send /subscribe."

	msgHelp = "Commands:\n" +
		"/status - current payment balance\n" +
		"/subscribe - receive payment and training updates\n" +
		"/unsubscribe - stop updates\n" +
		"Share your contact first to link this chat to your athlete."

	msgNotLinked     = "This chat is not linked yet. Share your contact to link it to your athlete."
	msgPhoneNotFound = "No athlete is registered under that phone number. Ask the club admin to check the roster."
	msgTryLater      = "Something went wrong, please try again later."
)
