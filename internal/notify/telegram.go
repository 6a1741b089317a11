// Package notify implements the optional Telegram relay: it mirrors hub
// decision digests and approval denials to a configured chat, and maps a
// small set of chat commands onto the same operations a human would type
// at an interactive console.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/shanelindsay/orchhub/internal/bus"
	"github.com/shanelindsay/orchhub/internal/config"
	"github.com/shanelindsay/orchhub/internal/hub"
)

// HubCommander is the subset of *hub.Hub the notifier drives. Narrow by
// design so tests can inject a fake instead of standing up a real
// dispatcher, the same pattern githubx.Scheduler uses for HubController.
type HubCommander interface {
	SetAutopilot(enabled bool)
	Autopilot() bool
	AgentNames() []string
	DecisionLog() []hub.DecisionLogEntry
	Spawn(ctx context.Context, name, task, cwd string) error
	SendTo(name, task string) error
	CloseAgent(name string) error
}

const maxMessageLen = 4096

// Notifier is the Telegram side of the human-notification relay. It
// subscribes to the hub's event bus for mirroring and runs a long-polling
// bot handler for the inbound command surface.
type Notifier struct {
	bot     *telego.Bot
	handler *th.BotHandler
	cfg     config.TelegramConfig
	hub     HubCommander
	events  *bus.EventBus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Notifier. The bot is not started until Run is called.
func New(cfg config.TelegramConfig, h HubCommander, events *bus.EventBus) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	n := &Notifier{bot: bot, cfg: cfg, hub: h, events: events}

	_ = bot.SetMyCommands(context.Background(), &telego.SetMyCommandsParams{
		Commands: []telego.BotCommand{
			{Command: "autopilot", Description: "Show or toggle autopilot: /autopilot [on|off]"},
			{Command: "status", Description: "List active agents and recent decisions"},
			{Command: "spawn", Description: "Spawn a sub-agent: /spawn name task"},
			{Command: "send", Description: "Send a task to an agent: /send name task"},
			{Command: "close", Description: "Close a sub-agent: /close name"},
		},
	})

	return n, nil
}

// Run starts long-polling and the event-mirroring subscriber, blocking
// until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	defer cancel()

	if n.events != nil && n.cfg.MainChatID != 0 {
		sub := n.events.Subscribe()
		defer sub.Close()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.mirrorLoop(ctx, sub)
		}()
	}

	updates, err := n.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(n.bot, updates)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	n.handler = handler

	handler.HandleMessage(n.guard(ctx, n.cmdAutopilot), th.CommandEqual("autopilot"))
	handler.HandleMessage(n.guard(ctx, n.cmdStatus), th.CommandEqual("status"))
	handler.HandleMessage(n.guard(ctx, n.cmdSpawn), th.CommandEqual("spawn"))
	handler.HandleMessage(n.guard(ctx, n.cmdSend), th.CommandEqual("send"))
	handler.HandleMessage(n.guard(ctx, n.cmdClose), th.CommandEqual("close"))

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	n.wg.Wait()
	return nil
}

// Stop cancels the run loop started by Run.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}

// guard wraps a command handler with the allow-list check, matching the
// shape telegohandler.HandleMessage expects. ctx is the Run-scoped
// context, captured once at registration time rather than derived from
// the per-update th.Context the handler framework passes in.
func (n *Notifier) guard(ctx context.Context, fn func(ctx context.Context, msg telego.Message, payload string)) func(hctx *th.Context, message telego.Message) error {
	return func(hctx *th.Context, message telego.Message) error {
		if !n.allowedUser(message) {
			return nil
		}
		_, _, payload := tu.ParseCommandPayload(message.Text)
		fn(ctx, message, payload)
		return nil
	}
}

func (n *Notifier) allowedUser(msg telego.Message) bool {
	if len(n.cfg.AllowFrom) == 0 {
		return true
	}
	for _, id := range n.cfg.AllowFrom {
		if id == msg.From.ID {
			return true
		}
	}
	slog.Warn("unauthorized telegram user", "user_id", msg.From.ID, "chat_id", msg.Chat.ID)
	return false
}

func (n *Notifier) cmdAutopilot(ctx context.Context, msg telego.Message, payload string) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on":
		n.hub.SetAutopilot(true)
	case "off":
		n.hub.SetAutopilot(false)
	case "":
		// report current state only
	default:
		n.reply(ctx, msg.Chat.ID, "usage: /autopilot [on|off]")
		return
	}
	state := "off"
	if n.hub.Autopilot() {
		state = "on"
	}
	n.reply(ctx, msg.Chat.ID, "autopilot: "+state)
}

func (n *Notifier) cmdStatus(ctx context.Context, msg telego.Message, payload string) {
	names := n.hub.AgentNames()
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Agents:\n")
	if len(names) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, name := range names {
		b.WriteString("  - " + name + "\n")
	}

	log := n.hub.DecisionLog()
	tail := log
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	if len(tail) > 0 {
		b.WriteString("Recent decisions:\n")
		for _, entry := range tail {
			b.WriteString(fmt.Sprintf("  - %s %s: %s\n", entry.TS.Format("15:04:05"), entry.Action, entry.Reason))
		}
	}
	n.reply(ctx, msg.Chat.ID, b.String())
}

func (n *Notifier) cmdSpawn(ctx context.Context, msg telego.Message, payload string) {
	fields := strings.Fields(payload)
	if len(fields) < 2 {
		n.reply(ctx, msg.Chat.ID, "usage: /spawn name task...")
		return
	}
	name := fields[0]
	task := strings.TrimSpace(strings.TrimPrefix(payload, fields[0]))
	if err := n.hub.Spawn(ctx, name, task, ""); err != nil {
		n.reply(ctx, msg.Chat.ID, "spawn failed: "+err.Error())
		return
	}
	n.reply(ctx, msg.Chat.ID, "spawned "+name)
}

func (n *Notifier) cmdSend(ctx context.Context, msg telego.Message, payload string) {
	fields := strings.Fields(payload)
	if len(fields) < 2 {
		n.reply(ctx, msg.Chat.ID, "usage: /send name task...")
		return
	}
	name := fields[0]
	task := strings.TrimSpace(strings.TrimPrefix(payload, fields[0]))
	if err := n.hub.SendTo(name, task); err != nil {
		n.reply(ctx, msg.Chat.ID, "send failed: "+err.Error())
		return
	}
	n.reply(ctx, msg.Chat.ID, "sent to "+name)
}

func (n *Notifier) cmdClose(ctx context.Context, msg telego.Message, payload string) {
	name := strings.TrimSpace(payload)
	if name == "" {
		n.reply(ctx, msg.Chat.ID, "usage: /close name")
		return
	}
	if err := n.hub.CloseAgent(name); err != nil {
		n.reply(ctx, msg.Chat.ID, "close failed: "+err.Error())
		return
	}
	n.reply(ctx, msg.Chat.ID, "closed "+name)
}

func (n *Notifier) reply(ctx context.Context, chatID int64, text string) {
	if err := n.SendMessage(ctx, chatID, text); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "err", err)
	}
}

// SendMessage chunks and sends text to chatID, retrying without Markdown
// parsing if the escaped text still fails to parse.
func (n *Notifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(chatID), escapeMarkdown(chunk))
		msg.ParseMode = telego.ModeMarkdown
		_, err := n.bot.SendMessage(ctx, msg)
		if err != nil {
			msg.ParseMode = ""
			msg.Text = chunk
			_, err = n.bot.SendMessage(ctx, msg)
		}
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// mirrorLoop relays hub decision digests and approval denials to the
// configured chat. Other event kinds (agent lifecycle, heartbeats) are
// already visible via /status and are not mirrored as push messages to
// avoid flooding the chat.
func (n *Notifier) mirrorLoop(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			text := formatMirroredEvent(ev)
			if text == "" {
				continue
			}
			n.reply(ctx, n.cfg.MainChatID, text)
		}
	}
}

func formatMirroredEvent(ev bus.Event) string {
	switch ev.Kind {
	case "decision":
		action, _ := ev.Payload["action"].(string)
		reason, _ := ev.Payload["reason"].(string)
		if action != "digest_sent" {
			return ""
		}
		if reason == "" {
			return "HUB: digest sent"
		}
		return "HUB: digest sent (" + reason + ")"
	case "approval":
		decision, _ := ev.Payload["decision"].(string)
		if decision != "denied" {
			return ""
		}
		kind, _ := ev.Payload["kind"].(string)
		return fmt.Sprintf("HUB: %s approval denied for %s", kind, ev.Agent)
	default:
		return ""
	}
}

// chunkMessage splits text into pieces no longer than maxLen, preferring
// to break at the last newline within the chunk when that split point is
// past the halfway mark.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

var markdownSpecial = "_*`["

// escapeMarkdown backslash-escapes Telegram legacy-Markdown special
// characters so plain-text agent output doesn't get misread as
// formatting. Telegram rejects unescaped specials rather than degrading
// gracefully, so SendMessage still falls back to plain text on error.
func escapeMarkdown(text string) string {
	var b strings.Builder
	for _, r := range text {
		if strings.ContainsRune(markdownSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
