// Package slack implements the Slack channel plugin (C3) over Socket Mode:
// an app-level token opens a WebSocket to Slack's Events API gateway so the
// bot needs no public HTTP endpoint, mirroring how the Telegram/Discord
// plugins each own a single long-lived connection to their platform.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/clawgate/clawgate/internal/bus"
	"github.com/clawgate/clawgate/internal/channels"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/dispatch"
)

const pairingDebounceTime = 60 * time.Second

// Channel connects to Slack over Socket Mode using the Events API.
type Channel struct {
	*channels.BaseChannel
	api          *slack.Client
	socket       *socketmode.Client
	config       config.SlackConfig
	botUserID    string
	requireMention  bool
	placeholders sync.Map // placeholderKey string → messageTimestamp string
	pairingService  channels.DMPairingService
	pairingDebounce sync.Map // senderID → time.Time
	groupHistory    *channels.PendingHistory
	historyLimit    int
}

// New creates a new Slack channel from config.
func New(cfg config.SlackConfig, msgBus *bus.MessageBus, pairingSvc channels.DMPairingService) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot_token and app_token are both required for Socket Mode")
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socket := socketmode.New(api)

	base := channels.NewBaseChannel("slack", msgBus, cfg.AllowFrom)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    base,
		api:            api,
		socket:         socket,
		config:         cfg,
		requireMention: requireMention,
		pairingService: pairingSvc,
		groupHistory:   channels.NewPendingHistory(),
		historyLimit:   channels.DefaultGroupHistoryLimit,
	}, nil
}

// Capabilities declares Slack's thread_ts threading and Block Kit support
// to the delivery dispatcher (C8): satisfies dispatch.CapableChannel.
func (c *Channel) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{Threading: true, CaptionedMedia: true}
}

// Start opens the Socket Mode connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting slack bot")

	auth, err := c.api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID

	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("slack socket mode run exited", "error", err)
		}
	}()
	go c.consumeEvents(ctx)

	c.SetRunning(true)
	slog.Info("slack bot connected", "user_id", auth.UserID, "team", auth.Team)
	return nil
}

// Stop closes the Socket Mode connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping slack bot")
	c.SetRunning(false)
	return nil
}

func (c *Channel) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				slog.Debug("slack: connecting")
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack: connection error")
			case socketmode.EventTypeConnected:
				slog.Debug("slack: connected")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					c.socket.Ack(*evt.Request)
				}
				c.handleEventsAPIEvent(apiEvent)
			}
		}
	}
}

func (c *Channel) handleEventsAPIEvent(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	inner := apiEvent.InnerEvent
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		c.handleMessageEvent(ev)
	case *slackevents.AppMentionEvent:
		c.handleAppMention(ev)
	}
}

// handleMessageEvent processes a plain message.channels/message.im event.
// App mentions in channels arrive as a separate AppMentionEvent even when
// the bot also subscribes to message.channels, so this only needs to
// consider DMs and non-mention group traffic here.
func (c *Channel) handleMessageEvent(ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.User == c.botUserID || ev.SubType != "" {
		return
	}

	isDM := ev.ChannelType == "im"
	if !isDM {
		// Group messages without an explicit mention are buffered as context
		// and otherwise ignored here; AppMentionEvent handles the mentioned case.
		if c.requireMention {
			c.recordGroupHistory(ev.Channel, ev.User, ev.Text, ev.TimeStamp)
			return
		}
	}

	c.dispatchInbound(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp, isDM, false)
}

func (c *Channel) handleAppMention(ev *slackevents.AppMentionEvent) {
	if ev.User == c.botUserID {
		return
	}
	c.dispatchInbound(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp, false, true)
}

func (c *Channel) recordGroupHistory(channelID, userID, text, ts string) {
	name := c.displayName(userID)
	c.groupHistory.Record(channelID, channels.HistoryEntry{
		Sender:    name,
		Body:      stripMentions(text),
		Timestamp: tsToTime(ts),
		MessageID: ts,
	}, c.historyLimit)
}

// dispatchInbound applies DM/group policy and hands content to the agent.
// mentioned is true when this event is an AppMentionEvent (group messages
// always pass the mention gate that way); isDM messages skip mention gating
// entirely per the pairing policy below.
func (c *Channel) dispatchInbound(channelID, userID, text, ts, threadTS string, isDM, mentioned bool) {
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	if isDM {
		if !c.checkDMPolicy(userID, channelID) {
			return
		}
	} else {
		if !c.CheckPolicy("group", "", c.config.GroupPolicy, userID) {
			slog.Debug("slack group message rejected by policy", "user_id", userID)
			return
		}
		if !mentioned && c.requireMention {
			return
		}
	}

	if !c.IsAllowed(userID) {
		slog.Debug("slack message rejected by allowlist", "user_id", userID)
		return
	}

	content := stripMentions(text)
	if content == "" {
		content = "[empty message]"
	}

	senderName := c.displayName(userID)
	finalContent := content
	if peerKind == "group" {
		annotated := fmt.Sprintf("[From: %s]\n%s", senderName, content)
		finalContent = c.groupHistory.BuildContext(channelID, annotated, c.historyLimit)
	}

	placeholderKey := ts
	_, placeholderTS, _, err := c.api.SendMessage(channelID, slack.MsgOptionText("Thinking...", false))
	if err == nil {
		c.placeholders.Store(placeholderKey, placeholderTS)
	}

	metadata := map[string]string{
		"message_id":      ts,
		"user_id":         userID,
		"channel_id":      channelID,
		"is_dm":           fmt.Sprintf("%t", isDM),
		"placeholder_key": placeholderKey,
	}
	if threadTS != "" {
		metadata["thread_ts"] = threadTS
	}

	c.HandleMessage(userID, channelID, finalContent, nil, metadata, peerKind)

	if peerKind == "group" {
		c.groupHistory.Clear(channelID)
	}
}

// Send delivers an outbound message to a Slack channel or DM.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack bot not running")
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("empty channel ID for slack send")
	}

	placeholderKey := channelID
	if pk := msg.Metadata["placeholder_key"]; pk != "" {
		placeholderKey = pk
	}
	threadTS := msg.Metadata["thread_ts"]

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if blocks, ok := msg.Blocks.(slack.Blocks); ok {
		opts = append(opts, slack.MsgOptionBlocks(blocks.BlockSet...))
	}

	if msg.Metadata["placeholder_update"] == "true" {
		if ts, ok := c.placeholders.Load(placeholderKey); ok {
			_, _, _, _ = c.api.UpdateMessage(channelID, ts.(string), opts...)
		}
		return nil
	}

	if msg.Content == "" {
		if ts, ok := c.placeholders.Load(placeholderKey); ok {
			c.placeholders.Delete(placeholderKey)
			_, _, _ = c.api.DeleteMessage(channelID, ts.(string))
		}
		return nil
	}

	if ts, ok := c.placeholders.Load(placeholderKey); ok {
		c.placeholders.Delete(placeholderKey)
		if _, _, _, err := c.api.UpdateMessage(channelID, ts.(string), opts...); err == nil {
			return nil
		}
		slog.Warn("slack: placeholder update failed, sending new message", "channel_id", channelID)
	}

	_, _, err := c.api.PostMessage(channelID, opts...)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	return nil
}

func (c *Channel) checkDMPolicy(senderID, channelID string) bool {
	dmPolicy := c.config.DMPolicy
	if dmPolicy == "" {
		dmPolicy = "pairing"
	}

	switch dmPolicy {
	case "disabled":
		return false
	case "open":
		return true
	case "allowlist":
		return c.IsAllowed(senderID)
	default: // "pairing"
		paired := false
		if c.pairingService != nil {
			paired = c.pairingService.IsPaired(senderID, c.Name())
		}
		inAllowList := c.HasAllowList() && c.IsAllowed(senderID)
		if paired || inAllowList {
			return true
		}
		c.sendPairingReply(senderID, channelID)
		return false
	}
}

func (c *Channel) sendPairingReply(senderID, channelID string) {
	if c.pairingService == nil {
		return
	}
	if lastSent, ok := c.pairingDebounce.Load(senderID); ok {
		if time.Since(lastSent.(time.Time)) < pairingDebounceTime {
			return
		}
	}

	code, err := c.pairingService.RequestPairing(senderID, c.Name(), channelID, "default")
	if err != nil {
		slog.Debug("slack pairing request failed", "sender_id", senderID, "error", err)
		return
	}

	replyText := fmt.Sprintf(
		"Access not configured.\n\nYour Slack user ID: %s\n\nPairing code: %s\n\nAsk the operator to approve this request via node.pair.approve.",
		senderID, code,
	)
	if _, _, err := c.api.PostMessage(channelID, slack.MsgOptionText(replyText, false)); err != nil {
		slog.Warn("failed to send slack pairing reply", "error", err)
		return
	}
	c.pairingDebounce.Store(senderID, time.Now())
	slog.Info("slack pairing reply sent", "sender_id", senderID, "code", code)
}

func (c *Channel) displayName(userID string) string {
	user, err := c.api.GetUserInfo(userID)
	if err != nil || user == nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return user.Name
}

// stripMentions removes Slack's <@U12345> mention tokens from text so the
// agent doesn't see raw user-ID tags in the message body.
func stripMentions(text string) string {
	var b strings.Builder
	i := 0
	for i < len(text) {
		if text[i] == '<' {
			if end := strings.IndexByte(text[i:], '>'); end >= 0 {
				token := text[i : i+end+1]
				if strings.HasPrefix(token, "<@") {
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(text[i])
		i++
	}
	return strings.TrimSpace(b.String())
}

// tsToTime parses a Slack message timestamp ("1234567890.123456", seconds
// with a microsecond fraction) into a time.Time.
func tsToTime(ts string) time.Time {
	whole, frac, _ := strings.Cut(ts, ".")
	var sec, micros int64
	fmt.Sscanf(whole, "%d", &sec)
	fmt.Sscanf(frac, "%d", &micros)
	return time.Unix(sec, micros*1000)
}
