// Package orchestrator implements the reply orchestrator (C5): the
// component that takes one normalized inbound message, walks it through
// directive handling, admission control, group-activation filtering, media
// staging, per-session queueing (C6), the agent turn invoker (C7), and
// reply post-processing, then hands the result to the delivery dispatcher
// (C8).
//
// Grounded on GoClaw's agent-loop message-handling flow (parse → patch →
// invoke → reply), generalized here into a standalone pipeline stage since
// the teacher inlines this logic into each channel plugin instead of
// factoring out a shared orchestrator.
package orchestrator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/clawgate/clawgate/internal/agent"
	"github.com/clawgate/clawgate/internal/bus"
	"github.com/clawgate/clawgate/internal/directive"
	"github.com/clawgate/clawgate/internal/dispatch"
	"github.com/clawgate/clawgate/internal/providers"
	"github.com/clawgate/clawgate/internal/queue"
	"github.com/clawgate/clawgate/internal/sessions"
)

// noInvokeDirectives never reach the agent: they ack immediately and the
// rest of the pipeline (including any other directives on the same line)
// is skipped.
var noInvokeDirectives = map[directive.Name]bool{
	directive.Stop:     true,
	directive.Status:   true,
	directive.New:      true,
	directive.Restart:  true,
	directive.Reset:    true,
	directive.Help:     true,
	directive.Commands: true,
}

// replyToTag extracts a trailing [[reply-to:<id>]] marker the model may
// emit to thread its reply.
var replyToTag = regexp.MustCompile(`\[\[reply-to:([^\]]+)\]\]`)

// ReplyPayload is one outbound item of an InboundAck, per the gateway's
// wire glossary. The core never constructs Blocks itself.
type ReplyPayload struct {
	Text       string
	MediaURLs  []string
	ReplyToID  string
	ReplyToTag string
	Silent     bool
}

// Orchestrator wires the C1-C8 pipeline stages together for one gateway
// instance.
type Orchestrator struct {
	sessions    *sessions.Store
	transcripts *sessions.TranscriptStore
	agents      *agent.Router
	dispatcher  *dispatch.Dispatcher
	queue       *queue.Manager
	sandboxDir  string
}

// Config configures an Orchestrator.
type Config struct {
	Sessions    *sessions.Store
	Transcripts *sessions.TranscriptStore
	Agents      *agent.Router
	Dispatcher  *dispatch.Dispatcher
	SandboxDir  string // media staging root; "" disables staging (paths passed through)
	QueueOpts   queue.Options
}

// New constructs an Orchestrator and its internal per-session queue (C6),
// wiring the queue's drain handler back to the orchestrator's own turn
// runner.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		sessions:    cfg.Sessions,
		transcripts: cfg.Transcripts,
		agents:      cfg.Agents,
		dispatcher:  cfg.Dispatcher,
		sandboxDir:  cfg.SandboxDir,
	}
	o.queue = queue.NewManager(cfg.QueueOpts, o.runBatch)
	return o
}

// Sessions exposes the session store (C2) for callers that need direct
// read/patch access outside the turn pipeline — the gateway RPC server's
// sessions.* methods (C9).
func (o *Orchestrator) Sessions() *sessions.Store { return o.sessions }

// Queue exposes the per-session queue (C6) so the gateway RPC server can
// abort an in-flight turn on `chat.abort` or `/stop`.
func (o *Orchestrator) Queue() *queue.Manager { return o.queue }

// Agents exposes the agent turn invoker (C7) for RPC methods (e.g.
// `providers.status`) that report on the configured provider chain.
func (o *Orchestrator) Agents() *agent.Router { return o.agents }

// Transcripts exposes the transcript log (part of C2) for the gateway RPC
// server's `sessions.compact` admin method, the one operation sanctioned to
// rewrite a transcript file in place.
func (o *Orchestrator) Transcripts() *sessions.TranscriptStore { return o.transcripts }

// turnMeta is stashed on every queue.Item via EnqueueWithMeta so runBatch
// can recover per-message channel/account/chat routing without threading
// it through the batch's plain text.
type turnMeta struct {
	msg     bus.InboundMessage
	agentID string
}

// HandleInbound runs pipeline steps 1-6 synchronously (normalize, ack-only
// fast paths, directive patches, admission control, group-activation
// filter, media staging) and then enqueues the remaining body into the
// session's queue (C6). Channel-sourced messages are delivered
// asynchronously once their batch's turn completes; callers that need a
// synchronous reply (the chat.send RPC method) should use InvokeSync
// instead.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg bus.InboundMessage) error {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = "main"
	}
	kind := sessions.PeerKindFromGroup(msg.ChatType == "group")
	key := sessions.BuildSessionKey(agentID, msg.Channel, kind, msg.ChatID)

	entry, err := o.sessions.GetOrCreate(key)
	if err != nil {
		return err
	}

	body, directives := directive.Parse(msg.Content)

	for _, d := range directives {
		if noInvokeDirectives[d.Name] {
			o.handleAckOnly(ctx, key, msg, d)
			return nil
		}
	}

	var acks []string
	for _, d := range directives {
		ack, err := o.applyDirectivePatch(key, d)
		if err != nil {
			slog.Warn("orchestrator: directive patch rejected", "session", key, "directive", d.Name, "error", err)
			acks = append(acks, fmt.Sprintf("%s: %v", d.Name, err))
			continue
		}
		if ack != "" {
			acks = append(acks, ack)
		}
	}
	if len(acks) > 0 && o.dispatcher != nil {
		_ = o.dispatcher.Deliver(ctx, dispatch.Payload{
			Channel: msg.Channel, AccountID: msg.AccountID, ChatID: msg.ChatID,
			Text: strings.Join(acks, "\n"),
		})
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return nil // directive-only message, nothing left to run through the agent
	}

	// Admission control: sendPolicy=deny still runs the turn (for logging)
	// but its reply is never delivered.
	skipDelivery := entry.SendPolicy == "deny"

	// Group activation filter: in a group chat, require a mention of the
	// agent unless the session has opted into "always".
	if kind == sessions.PeerGroup && entry.GroupActivation != "always" {
		if !mentionsAgent(body, agentID) {
			return nil
		}
	}

	media := o.stageMedia(key, msg.Media)

	meta := turnMeta{msg: msg, agentID: agentID}
	_ = skipDelivery // carried through msg.Metadata below
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}
	if skipDelivery {
		msg.Metadata["skipDelivery"] = "1"
	}
	msg.Media = media
	meta.msg = msg

	o.queue.EnqueueWithMeta(key, body, meta)
	return nil
}

// mentionsAgent reports whether body contains an @-mention of agentID,
// case-insensitively. A bare agentID match (no @) is accepted too, since
// display names don't always carry the platform's mention syntax.
func mentionsAgent(body, agentID string) bool {
	low := strings.ToLower(body)
	return strings.Contains(low, "@"+strings.ToLower(agentID)) || strings.Contains(low, strings.ToLower(agentID))
}

// handleAckOnly answers a /stop /status /new /restart /reset /help
// /commands directive without ever invoking the agent.
func (o *Orchestrator) handleAckOnly(ctx context.Context, key string, msg bus.InboundMessage, d directive.Directive) {
	var text string
	switch d.Name {
	case directive.Stop:
		o.queue.Abort(key)
		text = "Stopped."
	case directive.Status:
		entry, _ := o.sessions.Get(key)
		text = statusText(entry)
	case directive.New:
		_ = o.transcripts.Delete(sessionIDFromKey(key))
		text = "Started a new session."
	case directive.Restart:
		o.queue.Abort(key)
		_ = o.transcripts.Delete(sessionIDFromKey(key))
		text = "Restarted."
	case directive.Reset:
		_, _ = o.sessions.Patch(key, sessions.Patch{
			ThinkingLevel: sessions.Clear[string](), VerboseLevel: sessions.Clear[string](),
			ReasoningLevel: sessions.Clear[string](), ElevatedLevel: sessions.Clear[string](),
			ProviderOverride: sessions.Clear[string](), ModelOverride: sessions.Clear[string](),
		})
		text = "Session overrides reset to defaults."
	case directive.Help, directive.Commands:
		text = "Commands: /think /verbose /reasoning /elevated /usage /model /send /activation /queue /status /stop /new /restart /reset"
	}
	if text == "" || o.dispatcher == nil {
		return
	}
	_ = o.dispatcher.Deliver(ctx, dispatch.Payload{
		Channel: msg.Channel, AccountID: msg.AccountID, ChatID: msg.ChatID, Text: text,
	})
}

func sessionIDFromKey(key string) string { return key }

func statusText(entry *sessions.Entry) string {
	if entry == nil {
		return "No session state yet."
	}
	return fmt.Sprintf("think=%s verbose=%s reasoning=%s elevated=%s usage=%s model=%s sendPolicy=%s activation=%s",
		orDefault(entry.ThinkingLevel, "off"), orDefault(entry.VerboseLevel, "off"),
		orDefault(entry.ReasoningLevel, "off"), orDefault(entry.ElevatedLevel, "off"),
		orDefault(entry.ResponseUsage, "off"), orDefault(entry.ModelOverride, "default"),
		orDefault(entry.SendPolicy, "allow"), orDefault(entry.GroupActivation, "mention"))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// applyDirectivePatch applies one /think /verbose /reasoning /elevated
// /usage /model /send /activation /queue directive to the session and
// returns the ack text to report back, if any.
func (o *Orchestrator) applyDirectivePatch(key string, d directive.Directive) (string, error) {
	p := sessions.Patch{}
	switch d.Name {
	case directive.Think:
		p.ThinkingLevel = levelOrClear(d)
	case directive.Verbose:
		p.VerboseLevel = levelOrClear(d)
	case directive.Reasoning:
		p.ReasoningLevel = levelOrClear(d)
	case directive.Elevated:
		p.ElevatedLevel = levelOrClear(d)
	case directive.Usage:
		p.ResponseUsage = levelOrClear(d)
	case directive.Model:
		p.ModelOverride = levelOrClear(d)
	case directive.Send:
		p.SendPolicy = sessions.Str(strings.ToLower(d.RawLevel))
	case directive.Activation:
		p.GroupActivation = sessions.Str(strings.ToLower(d.RawLevel))
	case directive.Queue:
		return fmt.Sprintf("queue: %d pending", o.queue.QueueLength(key)), nil
	default:
		return "", nil
	}
	if !d.Valid {
		return "", fmt.Errorf("invalid value %q", d.RawLevel)
	}
	if _, err := o.sessions.Patch(key, p); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s set to %s", d.Name, d.RawLevel), nil
}

func levelOrClear(d directive.Directive) *sessions.Optional[string] {
	if d.RawLevel == "" {
		return sessions.Clear[string]()
	}
	return sessions.Str(d.Level)
}

// stageMedia copies local media paths into the session's sandbox
// directory, keyed by a hash of the source path so repeated turns
// referencing the same file don't re-copy it, and rewrites each path to
// its sandbox-relative location. Remote MediaURL entries are passed
// through unchanged; fetching them is a channel-plugin concern.
func (o *Orchestrator) stageMedia(key string, paths []string) []string {
	if o.sandboxDir == "" || len(paths) == 0 {
		return paths
	}
	dir := filepath.Join(o.sandboxDir, sanitizeKey(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("orchestrator: media stage mkdir failed", "session", key, "error", err)
		return paths
	}

	out := make([]string, 0, len(paths))
	for _, src := range paths {
		sum := sha1.Sum([]byte(src))
		dst := filepath.Join(dir, hex.EncodeToString(sum[:8])+filepath.Ext(src))
		if _, err := os.Stat(dst); err != nil {
			data, rerr := os.ReadFile(src)
			if rerr != nil {
				slog.Warn("orchestrator: media stage read failed", "path", src, "error", rerr)
				out = append(out, src)
				continue
			}
			if werr := os.WriteFile(dst, data, 0o644); werr != nil {
				slog.Warn("orchestrator: media stage write failed", "path", dst, "error", werr)
				out = append(out, src)
				continue
			}
		}
		out = append(out, dst)
	}
	return out
}

func sanitizeKey(key string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
}

// runBatch is the queue.Handler: it builds the prompt from a drained
// batch, invokes the agent turn (C7), post-processes the reply payloads,
// and delivers them (C8), patching the session's last-delivery fields on
// success. This is pipeline steps 7-10.
func (o *Orchestrator) runBatch(ctx context.Context, key string, batch []queue.Item) {
	if len(batch) == 0 {
		return
	}
	last, ok := lastMeta(batch)
	if !ok {
		slog.Error("orchestrator: batch missing turn metadata, dropping", "session", key)
		return
	}
	msg := last.msg

	var mediaPaths []string
	for _, item := range batch {
		if m, ok := item.Meta.(turnMeta); ok {
			mediaPaths = append(mediaPaths, m.msg.Media...)
		}
	}

	skipDelivery := msg.Metadata != nil && msg.Metadata["skipDelivery"] == "1"
	_, err := o.turn(ctx, key, last.agentID, msg, joinBatch(batch), mediaPaths, !skipDelivery)
	if err != nil {
		slog.Error("orchestrator: agent turn failed", "session", key, "error", err)
	}
}

// InvokeSync runs the pipeline synchronously for one message, bypassing the
// per-session queue's debounce window, and returns the resulting
// ReplyPayloads directly to the caller. Used by the gateway RPC server's
// `chat.send`/`agent` methods (§6.2), which need the reply in the method's
// own response rather than delivered asynchronously through a channel.
// The reply is still delivered through C8 exactly as a channel-sourced turn
// would be, so `lastProvider/lastTo/...` and messaging-tool suppression stay
// consistent between the two call paths.
func (o *Orchestrator) InvokeSync(ctx context.Context, msg bus.InboundMessage) ([]ReplyPayload, error) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = "main"
	}
	kind := sessions.PeerKindFromGroup(msg.ChatType == "group")
	key := sessions.BuildSessionKey(agentID, msg.Channel, kind, msg.ChatID)

	if _, err := o.sessions.GetOrCreate(key); err != nil {
		return nil, err
	}

	body, directives := directive.Parse(msg.Content)
	for _, d := range directives {
		if _, err := o.applyDirectivePatch(key, d); err != nil {
			return nil, err
		}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil
	}

	media := o.stageMedia(key, msg.Media)
	payload, err := o.turn(ctx, key, agentID, msg, body, media, true)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return []ReplyPayload{*payload}, nil
}

// turn is the shared tail of the pipeline (steps 8-10): build history, call
// the agent turn invoker (C7), append the transcript, post-process the
// reply, and — when deliver is true — hand it to the delivery dispatcher
// (C8), patching the session's last-route fields on success. Both the
// queued (runBatch) and synchronous (InvokeSync) call paths share this so
// their behavior — transcript, dedup suppression, last-route patching —
// never drifts apart.
func (o *Orchestrator) turn(ctx context.Context, key, agentID string, msg bus.InboundMessage, text string, mediaPaths []string, deliver bool) (*ReplyPayload, error) {
	if o.dispatcher != nil {
		o.dispatcher.ClearSuppressed()
	}

	history, err := o.loadHistory(key)
	if err != nil {
		slog.Error("orchestrator: failed to load transcript", "session", key, "error", err)
	}

	entry, err := o.sessions.GetOrCreate(key)
	if err != nil {
		return nil, err
	}

	userMsg := providers.Message{Role: "user", Content: text}
	if err := o.appendTranscript(key, userMsg); err != nil {
		slog.Warn("orchestrator: failed to append user turn to transcript", "session", key, "error", err)
	}

	result, err := o.agents.Get(agentID).Run(ctx, agent.RunRequest{
		SessionKey:       key,
		History:          history,
		Message:          text,
		MediaPaths:       mediaPaths,
		ThinkingLevel:    entry.ThinkingLevel,
		ProviderOverride: entry.ProviderOverride,
		ModelOverride:    entry.ModelOverride,
		RunID:            key + "-" + fmt.Sprint(time.Now().UnixNano()),
	})
	if err != nil {
		return nil, err
	}

	if err := o.appendTranscript(key, result.AssistantMessage); err != nil {
		slog.Warn("orchestrator: failed to append assistant turn to transcript", "session", key, "error", err)
	}

	if result.Silent || result.Content == "" {
		return nil, nil
	}

	payload := postProcess(result.Content, entry.GroupActivation)

	if !deliver || o.dispatcher == nil {
		return &payload, nil
	}

	for _, tc := range result.AssistantMessage.ToolCalls {
		if strings.Contains(strings.ToLower(tc.Name), "send") {
			o.dispatcher.SuppressTarget(msg.Channel, msg.AccountID, msg.ChatID)
		}
	}

	if err := o.dispatcher.Deliver(ctx, dispatch.Payload{
		Channel: msg.Channel, AccountID: msg.AccountID, ChatID: msg.ChatID,
		Text: payload.Text, MediaURLs: payload.MediaURLs,
		ReplyToID: payload.ReplyToID, ReplyToTag: payload.ReplyToTag, Silent: payload.Silent,
	}); err != nil {
		return &payload, err
	}

	_, _ = o.sessions.Patch(key, sessions.Patch{
		LastProvider:  sessions.Str(result.Provider),
		LastTo:        sessions.Str(msg.ChatID),
		LastAccountID: sessions.Str(msg.AccountID),
		LastChannel:   sessions.Str(msg.Channel),
	})
	return &payload, nil
}

func lastMeta(batch []queue.Item) (turnMeta, bool) {
	for i := len(batch) - 1; i >= 0; i-- {
		if m, ok := batch[i].Meta.(turnMeta); ok {
			return m, true
		}
	}
	return turnMeta{}, false
}

func joinBatch(batch []queue.Item) string {
	parts := make([]string, 0, len(batch))
	for _, item := range batch {
		if item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// postProcess extracts the [[reply-to:<id>]] tag. groupActivation is not
// consulted, and no thread filter is applied here: the replyToMode filter
// is applied by the dispatcher from dispatch.Payload.ReplyToMode.
func postProcess(content, groupActivation string) ReplyPayload {
	p := ReplyPayload{Text: content}
	if m := replyToTag.FindStringSubmatchIndex(content); m != nil {
		p.ReplyToID = content[m[2]:m[3]]
		p.Text = strings.TrimSpace(content[:m[0]] + content[m[1]:])
	}
	return p
}

// loadHistory reads a session's transcript and decodes it into provider
// message shape.
func (o *Orchestrator) loadHistory(sessionID string) ([]providers.Message, error) {
	raw, err := o.transcripts.Load(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]providers.Message, 0, len(raw))
	for _, m := range raw {
		var msg providers.Message
		if err := json.Unmarshal(m.Raw, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (o *Orchestrator) appendTranscript(sessionID string, msg providers.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return o.transcripts.Append(sessionID, sessions.TranscriptMessage{Role: msg.Role, Raw: raw})
}
