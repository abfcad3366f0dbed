package protocol

// Event names pushed from server to client on the `event` frame (§4.9's
// broadcaster: heartbeat, agent.*, channel.activity, session.patched).
const (
	EventHeartbeat         = "heartbeat"
	EventAgent             = "agent"
	EventChat              = "chat"
	EventChannelActivity   = "channel.activity"
	EventSessionPatched    = "session.patched"
	EventNodePairRequested = "node.pair.requested"
	EventNodePairResolved  = "node.pair.resolved"
	EventSlowConsumer      = "SLOW_CONSUMER"
)

// Agent event subtypes, carried in an EventAgent frame's payload.type. Used
// by channels.Manager.HandleAgentEvent (C3's supplemented streaming/
// reaction forwarding) to map a turn's lifecycle onto per-channel preview
// updates.
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes, carried in an EventChat frame's payload.type.
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
