package bus

import "context"

// InboundMessage is the canonical envelope a channel plugin (C3) produces
// for every message it receives — the gateway's MsgContext. Channel/ChatID/
// SenderID name the wire-level routing triple; the remaining fields carry
// everything C1-C8 need to classify, reply to, and log the message without
// reaching back into the originating channel plugin.
type InboundMessage struct {
	Channel   string `json:"channel"`
	SenderID  string `json:"sender_id"`  // From
	ChatID    string `json:"chat_id"`    // To
	AccountID string `json:"account_id,omitempty"`
	Content   string `json:"content"` // Body

	ChatType     string `json:"chat_type,omitempty"` // "direct"|"group"|"channel"|"thread"
	MessageSid   string `json:"message_sid,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"` // ms since epoch
	SenderName   string `json:"sender_name,omitempty"`
	GroupSubject string `json:"group_subject,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	IsHeartbeat  bool   `json:"is_heartbeat,omitempty"`

	Media           []string `json:"media,omitempty"`             // local staged file paths
	MediaURL        []string `json:"media_url,omitempty"`         // remote URLs, pre-staging
	MediaRemoteHost string   `json:"media_remote_host,omitempty"` // auth context for fetching MediaURL

	SessionKey   string            `json:"session_key"`              // deprecated: gateway builds the canonical key
	PeerKind     string            `json:"peer_kind,omitempty"`      // "direct" or "group" (used for session key)
	AgentID      string            `json:"agent_id,omitempty"`       // target agent (for multi-agent routing)
	UserID       string            `json:"user_id,omitempty"`        // external user ID for per-user scoping
	HistoryLimit int               `json:"history_limit,omitempty"`  // max turns to keep in context (0=unlimited, from channel config)
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is the gateway's ReplyPayload: one unit of an
// orchestrator's InboundAck, handed to the delivery dispatcher (C8) for a
// specific channel/chatID.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`    // optional media attachments
	Metadata map[string]string `json:"metadata,omitempty"` // channel-specific metadata

	ReplyToID  string      `json:"reply_to_id,omitempty"`  // thread/quote target message id
	ReplyToTag string      `json:"reply_to_tag,omitempty"` // @mention tag to prefix, for channels without native reply
	Silent     bool         `json:"silent,omitempty"`      // deliver without a notification ping, where the channel supports it
	Blocks     interface{} `json:"blocks,omitempty"`      // channel-native rich layout (e.g. Slack Block Kit)
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg", "video/mp4")
	Caption     string `json:"caption,omitempty"`       // optional caption for media
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`              // event name (e.g. "agent", "chat", "health")
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kind constants.
const (
	CacheKindAgent            = "agent"
	CacheKindBootstrap        = "bootstrap"
	CacheKindSkills           = "skills"
	CacheKindCron             = "cron"
	CacheKindCustomTools      = "custom_tools"
	CacheKindChannelInstances = "channel_instances"
	CacheKindBuiltinTools     = "builtin_tools"
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
// Carried on bus events whose name starts with "cache."; the gateway server
// does not forward those to RPC clients.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"` // CacheKind* constants
	Key  string `json:"key"`  // agent_key, agent_id, etc. Empty = invalidate all
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by gateway server and agents to decouple from concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
