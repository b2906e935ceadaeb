package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/delegator"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/policy"
)

const (
	telegramChannelName = "telegram"
	telegramPrefix      = telegramChannelName + ":"
	telegramMaxLen      = 4000
	telegramMaxBatch    = 100
)

// TelegramBot is the subset of the bot API the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() { w.bot.StopReceivingUpdates() }

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) { return w.bot.Send(c) }

func (w *tgBotWrapper) GetSelf() tgbotapi.User { return w.bot.Self }

// BotFactory creates TelegramBot instances.
type BotFactory func(token string) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token string) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// EventHandler runs one inbound event to a reply.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev delegator.Event) (delegator.Reply, error)
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string
	// GroupBatches merges back-to-back messages from one sender in the same
	// chat that arrive in a single poll into one event.
	GroupBatches bool
}

// TelegramChannel polls the bot API for messages, hands them to the
// delegator, and sends replies back to the originating chat. Conversation ids
// are "telegram:<chat id>".
type TelegramChannel struct {
	token      string
	allow      map[string]bool
	group      bool
	bot        TelegramBot
	botFactory BotFactory
	handler    EventHandler
	logger     zerolog.Logger
	cancel     context.CancelFunc
}

func NewTelegramChannel(cfg TelegramConfig, logger zerolog.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, logger, defaultBotFactory)
}

func NewTelegramChannelWithFactory(cfg TelegramConfig, logger zerolog.Logger, factory BotFactory) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		if id = strings.TrimSpace(id); id != "" {
			allow[id] = true
		}
	}
	return &TelegramChannel{
		token:      cfg.Token,
		allow:      allow,
		group:      cfg.GroupBatches,
		botFactory: factory,
		logger:     logger.With().Str("component", "telegram").Logger(),
	}, nil
}

func (t *TelegramChannel) Name() string { return telegramChannelName }

// SetHandler wires the inbound side. It must be called before Start.
func (t *TelegramChannel) SetHandler(h EventHandler) { t.handler = h }

// SetBot replaces the bot client, skipping the factory.
func (t *TelegramChannel) SetBot(bot TelegramBot) { t.bot = bot }

func (t *TelegramChannel) Owns(conversationID string) bool {
	return strings.HasPrefix(conversationID, telegramPrefix)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.handler == nil {
		return errors.New("telegram channel has no event handler")
	}
	if t.bot == nil {
		bot, err := t.botFactory(t.token)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		t.bot = bot
	}
	t.logger.Info().Str("username", t.bot.GetSelf().UserName).Msg("authorized")

	ctx, t.cancel = context.WithCancel(ctx)
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go t.poll(ctx, updates)
	t.logger.Info().Msg("polling started")
	return nil
}

// poll handles updates one batch at a time, in arrival order. Turns in a chat
// are appended in the order the messages were sent.
func (t *TelegramChannel) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			batch, open := drain(updates, []tgbotapi.Update{update}, telegramMaxBatch)
			for _, msg := range t.messages(batch) {
				if ctx.Err() != nil {
					return
				}
				t.handleMessage(ctx, msg)
			}
			if !open {
				return
			}
		}
	}
}

// drain appends updates that are already queued, without waiting for more.
func drain(updates tgbotapi.UpdatesChannel, batch []tgbotapi.Update, limit int) ([]tgbotapi.Update, bool) {
	for len(batch) < limit {
		select {
		case u, ok := <-updates:
			if !ok {
				return batch, false
			}
			batch = append(batch, u)
		default:
			return batch, true
		}
	}
	return batch, true
}

// messages extracts the messages of a batch, merging consecutive ones from the
// same sender and chat when grouping is on.
func (t *TelegramChannel) messages(batch []tgbotapi.Update) []*tgbotapi.Message {
	out := make([]*tgbotapi.Message, 0, len(batch))
	for _, u := range batch {
		msg := u.Message
		if msg == nil {
			continue
		}
		if t.group && len(out) > 0 && sameSender(out[len(out)-1], msg) {
			prev := out[len(out)-1]
			merged := *prev
			merged.Text = strings.TrimSpace(messageText(prev) + "\n" + messageText(msg))
			merged.Caption = ""
			out[len(out)-1] = &merged
			continue
		}
		out = append(out, msg)
	}
	return out
}

func sameSender(a, b *tgbotapi.Message) bool {
	return a.From != nil && b.From != nil && a.Chat != nil && b.Chat != nil &&
		a.From.ID == b.From.ID && a.Chat.ID == b.Chat.ID
}

func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

func (t *TelegramChannel) allowed(senderID string) bool {
	return len(t.allow) == 0 || t.allow[senderID]
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.allowed(senderID) {
		t.logger.Warn().Str("sender_id", senderID).Msg("rejected message from unlisted sender")
		return
	}
	text := messageText(msg)
	if strings.TrimSpace(text) == "" {
		return
	}

	conversationID := telegramPrefix + strconv.FormatInt(msg.Chat.ID, 10)
	_, err := t.handler.HandleEvent(ctx, delegator.Event{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Timestamp:      time.Unix(int64(msg.Date), 0).UTC(),
		Channel:        telegramChannelName,
	})
	if err == nil {
		return
	}
	t.logger.Warn().Err(err).Str("conversation_id", conversationID).Str("text", policy.LogText(text)).Msg("event failed")
	if sendErr := t.Deliver(ctx, conversationID, memory.Message{Role: memory.RoleSystem, Text: failureText(err)}); sendErr != nil {
		t.logger.Warn().Err(sendErr).Msg("send failure notice")
	}
}

func failureText(err error) string {
	var env *delegator.ErrorEnvelope
	if errors.As(err, &env) && env.Retryable {
		return "I'm still working on your previous message. Please try again in a moment."
	}
	return "Sorry, I couldn't handle that request."
}

// Deliver sends msg to the chat behind conversationID, split to fit the
// message size limit.
func (t *TelegramChannel) Deliver(_ context.Context, conversationID string, msg memory.Message) error {
	if t.bot == nil {
		return errors.New("telegram bot not initialized")
	}
	chatID, err := strconv.ParseInt(strings.TrimPrefix(conversationID, telegramPrefix), 10, 64)
	if err != nil || !t.Owns(conversationID) {
		return fmt.Errorf("invalid telegram conversation id %q", conversationID)
	}
	for _, chunk := range splitMessage(msg.Text, telegramMaxLen) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts content into chunks of at most maxLen bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(content string, maxLen int) []string {
	var out []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			out = append(out, content)
			break
		}
		cut := strings.LastIndex(content[:maxLen], "\n")
		if cut <= 0 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}
		out = append(out, content[:cut])
		content = strings.TrimPrefix(content[cut:], "\n")
	}
	return out
}
