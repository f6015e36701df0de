package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"plugin-license-server/internal/license"
	"plugin-license-server/internal/store"
)

// sender is the slice of the Bot API the bot uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is an admin-only chat front end for the license service.
type Bot struct {
	api         sender
	adminChatID int64
	svc         *license.Service
	log         *zap.Logger
	actor       license.Actor

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone      pendingState = ""
	stateAskCheck  pendingState = "ask_check"
	stateAskInfo   pendingState = "ask_info"
	stateAskRevoke pendingState = "ask_revoke"
	stateAskList   pendingState = "ask_list"
	stateAskStats  pendingState = "ask_stats"
)

const (
	listPageSize = 20
	maxServers   = 30
)

func NewBot(token string, adminChatID int64, svc *license.Service, log *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return newBot(api, adminChatID, svc, log), nil
}

func newBot(api sender, adminChatID int64, svc *license.Service, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{
		api:         api,
		adminChatID: adminChatID,
		svc:         svc,
		log:         log.Named("telegram"),
		actor:       license.Actor{OwnerID: fmt.Sprintf("telegram:%d", adminChatID), Admin: true},
		states:      map[int64]pendingState{},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	b.log.Info("bot started", zap.Int64("admin_chat_id", b.adminChatID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New("telegram updates channel closed")
			}
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(ctx, u.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if chatID != b.adminChatID {
		b.reply(chatID, "This bot is only available to the administrator.")
		return
	}

	if m.IsCommand() {
		b.setState(chatID, stateNone)
		args := strings.Fields(m.CommandArguments())
		switch m.Command() {
		case "start", "help", "menu":
			b.sendMenu(chatID, "License administration")
		case "check":
			b.cmdCheck(ctx, chatID, args)
		case "info":
			b.cmdInfo(ctx, chatID, args)
		case "revoke":
			b.cmdRevoke(ctx, chatID, args)
		case "list":
			b.cmdList(ctx, chatID, args)
		case "stats":
			b.cmdStats(ctx, chatID, args)
		default:
			b.reply(chatID, helpText())
		}
		return
	}

	args := strings.Fields(text)
	switch b.getState(chatID) {
	case stateAskCheck:
		b.setState(chatID, stateNone)
		b.cmdCheck(ctx, chatID, args)
	case stateAskInfo:
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, args)
	case stateAskRevoke:
		b.setState(chatID, stateNone)
		b.cmdRevoke(ctx, chatID, args)
	case stateAskList:
		b.setState(chatID, stateNone)
		b.cmdList(ctx, chatID, args)
	case stateAskStats:
		b.setState(chatID, stateNone)
		b.cmdStats(ctx, chatID, args)
	default:
		b.sendMenu(chatID, "Use the buttons to manage licenses.")
		return
	}
	b.sendMenu(chatID, "")
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID

	if chatID != b.adminChatID {
		_ = b.answerCallback(q.ID, "Access denied")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License administration")
	case data == "ask_check":
		b.setState(chatID, stateAskCheck)
		b.reply(chatID, "Send: <key> <plugin> <ip:port>")
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "Send the license key:")
	case data == "ask_revoke":
		b.setState(chatID, stateAskRevoke)
		b.reply(chatID, "Send the license key to revoke:")
	case data == "ask_list":
		b.setState(chatID, stateAskList)
		b.reply(chatID, "Send the owner id:")
	case data == "ask_stats":
		b.setState(chatID, stateAskStats)
		b.reply(chatID, "Send the owner id:")
	case strings.HasPrefix(data, "info:"):
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, []string{strings.TrimPrefix(data, "info:")})
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = menuKeyboard()
	b.send(msg)
}

func menuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Check", "ask_check"),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Info", "ask_info"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "ask_list"),
			tgbotapi.NewInlineKeyboardButtonData("📊 Stats", "ask_stats"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⛔ Revoke", "ask_revoke"),
		),
	)
}

func (b *Bot) cmdCheck(ctx context.Context, chatID int64, args []string) {
	if len(args) != 3 {
		b.reply(chatID, "Usage: /check <key> <plugin> <ip:port>")
		return
	}
	v, err := b.svc.Validate(ctx, license.ValidateRequest{Key: args[0], Plugin: args[1], Server: args[2]})
	if err != nil {
		b.replyErr(chatID, "check", err)
		return
	}
	b.reply(chatID, formatVerdict(v))
}

func (b *Bot) cmdInfo(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /info <key>")
		return
	}
	lic, err := b.svc.Get(ctx, b.actor, args[0])
	if err != nil {
		b.replyErr(chatID, "info", err)
		return
	}
	b.reply(chatID, formatInfo(lic, b.svc.Now()))
}

func (b *Bot) cmdRevoke(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /revoke <key>")
		return
	}
	lic, err := b.svc.Revoke(ctx, b.actor, args[0])
	if err != nil {
		b.replyErr(chatID, "revoke", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Revoked\n%s\nStatus: %s", lic.Key, lic.Status))
}

func (b *Bot) cmdList(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 || len(args) > 2 {
		b.reply(chatID, "Usage: /list <owner> [active|expired|revoked]")
		return
	}
	f := license.ListFilter{OwnerID: args[0], Limit: listPageSize}
	if len(args) == 2 {
		f.Status = args[1]
	}
	page, err := b.svc.List(ctx, b.actor, f)
	if err != nil {
		b.replyErr(chatID, "list", err)
		return
	}
	if len(page.Items) == 0 {
		b.reply(chatID, "No licenses found")
		return
	}

	now := b.svc.Now()
	lines := []string{fmt.Sprintf("Latest licenses of %s (%d total, tap for details):", args[0], page.Total)}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, len(page.Items)+1)
	for _, lic := range page.Items {
		lines = append(lines, listLine(lic, now))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+shortKey(lic.Key), "info:"+lic.Key),
		))
	}
	if page.Total > len(page.Items) {
		lines = append(lines, fmt.Sprintf("... (%d more)", page.Total-len(page.Items)))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func (b *Bot) cmdStats(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.reply(chatID, "Usage: /stats <owner>")
		return
	}
	st, err := b.svc.Stats(ctx, b.actor, args[0])
	if err != nil {
		b.replyErr(chatID, "stats", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Owner: %s\nTotal: %d\nActive: %d\nExpired: %d\nRevoked: %d",
		args[0], st.Total, st.Active, st.Expired, st.Revoked))
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.api.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) replyErr(chatID int64, op string, err error) {
	var lerr *license.Error
	if errors.As(err, &lerr) && lerr.Code != license.CodeStoreUnavailable {
		b.reply(chatID, "Error: "+lerr.Message)
		return
	}
	b.log.Error(op+" failed", zap.Error(err))
	b.reply(chatID, "Server error, try again later")
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("send failed", zap.Error(err))
	}
}

func helpText() string {
	return "Commands: /check <key> <plugin> <ip:port>, /info <key>, /revoke <key>, /list <owner>, /stats <owner>, /menu"
}

func formatVerdict(v license.Verdict) string {
	if v.Valid {
		lic := v.License
		lines := []string{
			"✅ " + v.Message,
			"Buyer: " + lic.Buyer,
			"Expires: " + lic.ExpiresAt.Format("2006-01-02"),
			"Allowed servers: " + serverList(lic.AllowedServers),
			fmt.Sprintf("Validations: %d", lic.ValidationCount),
		}
		return strings.Join(lines, "\n")
	}
	lines := []string{"❌ " + v.Message}
	switch v.Reason {
	case license.ReasonExpired, license.ReasonRevoked:
		lines = append(lines, "Status: "+string(v.Status))
		if v.ExpiresAt != nil {
			lines = append(lines, "Expires: "+v.ExpiresAt.Format("2006-01-02"))
		}
	case license.ReasonServerNotAuthorized:
		lines = append(lines, "Server: "+v.ProvidedServer, "Allowed servers: "+serverList(v.AllowedServers))
	}
	return strings.Join(lines, "\n")
}

func formatInfo(lic store.License, now time.Time) string {
	lines := []string{
		"License: " + lic.Key,
		"Plugin: " + lic.PluginName,
		"Buyer: " + lic.BuyerLabel,
		"Owner: " + lic.OwnerID,
		"Status: " + statusLabel(lic, now),
		"Expires: " + lic.ExpiresAt.Format(time.RFC3339),
		fmt.Sprintf("Servers: %d/%d", len(lic.AllowedServers), lic.MaxServers),
		fmt.Sprintf("Validations: %d", lic.ValidationCount),
		"Note: " + safeNote(lic.Notes),
		"Created: " + lic.CreatedAt.Format(time.RFC3339),
	}
	if lic.LastValidatedAt != nil {
		lines = append(lines, "Last validated: "+lic.LastValidatedAt.Format(time.RFC3339))
	}
	n := len(lic.AllowedServers)
	if n > maxServers {
		n = maxServers
	}
	for _, s := range lic.AllowedServers[:n] {
		lines = append(lines, fmt.Sprintf("- %s:%d %s (added %s)", s.IP, s.Port, s.Name, s.AddedAt.Format("2006-01-02")))
	}
	if len(lic.AllowedServers) > n {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(lic.AllowedServers)-n))
	}
	return strings.Join(lines, "\n")
}

func listLine(lic store.License, now time.Time) string {
	return fmt.Sprintf("- %s | %s | %s | %d/%d servers", lic.Key, lic.PluginName, statusLabel(lic, now), len(lic.AllowedServers), lic.MaxServers)
}

func statusLabel(lic store.License, now time.Time) string {
	switch {
	case lic.Status == store.StatusRevoked:
		return "revoked"
	case license.IsExpired(lic, now):
		return "expired"
	default:
		return "active"
	}
}

func serverList(servers []store.Server) string {
	if len(servers) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(servers))
	for _, s := range servers {
		parts = append(parts, fmt.Sprintf("%s:%d", s.IP, s.Port))
	}
	return strings.Join(parts, ", ")
}

func shortKey(k string) string {
	k = strings.TrimSpace(k)
	if len(k) <= 18 {
		return k
	}
	return k[:10] + "..." + k[len(k)-6:]
}

func safeNote(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
