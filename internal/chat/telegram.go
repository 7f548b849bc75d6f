package chat

import (
	"context"
	"fmt"
	"html"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/permd/internal/config"
	"github.com/stellarlinkco/permd/internal/protocol"
)

const (
	callbackApprove = "approve"
	callbackDeny    = "deny"
)

// TelegramBot interface for mocking the bot API in tests.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot.
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Telegram posts permission cards with inline approve/deny buttons and
// edits them to a static status line on resolution. Long polling keeps
// the connection outbound-only; the bot API client reconnects on its own.
type Telegram struct {
	token      string
	chatID     int64
	allowFrom  []string
	proxy      string
	bot        TelegramBot
	botFactory BotFactory
	onDecision DecisionFunc
	cancel     context.CancelFunc
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, defaultBotFactory)
}

// NewTelegramWithFactory creates a Telegram adapter with a custom bot
// factory (for testing).
func NewTelegramWithFactory(cfg config.TelegramConfig, factory BotFactory) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}
	return &Telegram{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		allowFrom:  cfg.AllowFrom,
		proxy:      cfg.Proxy,
		botFactory: factory,
	}, nil
}

func (t *Telegram) OnDecision(fn DecisionFunc) {
	t.onDecision = fn
}

func (t *Telegram) Start(ctx context.Context) error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.CallbackQuery == nil {
					continue
				}
				t.handleCallback(update.CallbackQuery)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *Telegram) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing).
func (t *Telegram) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *Telegram) handleCallback(query *tgbotapi.CallbackQuery) {
	senderID := strconv.FormatInt(query.From.ID, 10)
	if !t.isAllowed(senderID) {
		log.Printf("[telegram] rejected callback from %s (%s)", senderID, query.From.UserName)
		t.ack(query.ID, "Not authorized")
		return
	}
	if query.Message != nil && query.Message.Chat.ID != t.chatID {
		log.Printf("[telegram] ignoring callback from foreign chat %d", query.Message.Chat.ID)
		t.ack(query.ID, "")
		return
	}

	verb, requestID, ok := strings.Cut(query.Data, ":")
	if !ok || requestID == "" {
		log.Printf("[telegram] malformed callback data %q", query.Data)
		t.ack(query.ID, "")
		return
	}

	var action protocol.Action
	switch verb {
	case callbackApprove:
		action = protocol.ActionApprove
		t.ack(query.ID, "Approved")
	case callbackDeny:
		action = protocol.ActionDeny
		t.ack(query.ID, "Denied")
	default:
		log.Printf("[telegram] unknown callback verb %q", verb)
		t.ack(query.ID, "")
		return
	}

	if t.onDecision != nil {
		t.onDecision(requestID, action)
	}
}

// ack answers the callback query so the button stops spinning.
func (t *Telegram) ack(callbackID, text string) {
	if _, err := t.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		log.Printf("[telegram] callback ack failed: %v", err)
	}
}

func (t *Telegram) isAllowed(senderID string) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, allowed := range t.allowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}

func (t *Telegram) PostRequest(req *protocol.PermissionRequest) (Handle, error) {
	if t.bot == nil {
		return Handle{}, fmt.Errorf("telegram bot not initialized")
	}

	msg := tgbotapi.NewMessage(t.chatID, formatRequestCard(req))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✓ Approve", callbackApprove+":"+req.RequestID),
			tgbotapi.NewInlineKeyboardButtonData("✗ Deny", callbackDeny+":"+req.RequestID),
		),
	)

	sent, err := t.bot.Send(msg)
	if err != nil {
		return Handle{}, fmt.Errorf("post permission request: %w", err)
	}
	log.Printf("[telegram] posted request %s as message %d", req.RequestID, sent.MessageID)
	return Handle{ChatID: sent.Chat.ID, MessageID: sent.MessageID}, nil
}

func (t *Telegram) PostNotification(n *protocol.Notification) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	msg := tgbotapi.NewMessage(t.chatID, formatNotification(n))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	return nil
}

func (t *Telegram) PostStatus(text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	return nil
}

func (t *Telegram) UpdateResolved(h Handle, outcome Outcome, req *protocol.PermissionRequest) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if h.Zero() {
		return fmt.Errorf("no message handle for request")
	}

	// Editing without a reply markup drops the buttons.
	edit := tgbotapi.NewEditMessageText(h.ChatID, h.MessageID, formatResolvedCard(outcome, req))
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(edit); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func formatRequestCard(req *protocol.PermissionRequest) string {
	var sb strings.Builder
	sb.WriteString("🔐 <b>Permission Request</b>\n\n")
	sb.WriteString(fmt.Sprintf("<b>Tool:</b> %s\n", html.EscapeString(req.ToolName)))
	sb.WriteString(fmt.Sprintf("<pre>%s</pre>\n", html.EscapeString(protocol.SummarizeInput(req.ToolInput, 500))))
	if desc, ok := req.ToolInput["description"].(string); ok && desc != "" {
		sb.WriteString(fmt.Sprintf("<i>%s</i>\n", html.EscapeString(desc)))
	}
	sb.WriteString(fmt.Sprintf("\nRequested at %s", req.ReceivedAt.Format("15:04:05")))
	return sb.String()
}

func formatResolvedCard(outcome Outcome, req *protocol.PermissionRequest) string {
	var header string
	switch outcome {
	case OutcomeApproved:
		header = "✅ Approved"
	case OutcomeDenied:
		header = "❌ Denied"
	case OutcomeAnsweredLocally:
		header = "💻 Answered locally"
	case OutcomeAnsweredRemotely:
		header = "📱 Answered elsewhere"
	default:
		header = string(outcome)
	}
	return fmt.Sprintf("%s: <b>%s</b>\n<pre>%s</pre>",
		header,
		html.EscapeString(req.ToolName),
		html.EscapeString(protocol.SummarizeInput(req.ToolInput, 200)))
}

func formatNotification(n *protocol.Notification) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔔 <b>%s</b>\n", html.EscapeString(n.Type)))
	if n.Message != "" {
		sb.WriteString(html.EscapeString(n.Message))
		sb.WriteString("\n")
	}
	if n.CWD != "" {
		sb.WriteString(fmt.Sprintf("<i>%s</i>", html.EscapeString(n.CWD)))
	}
	return strings.TrimRight(sb.String(), "\n")
}
