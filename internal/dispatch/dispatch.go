// Package dispatch implements the delivery dispatcher (C8): it takes the
// ReplyPayloads a turn produced and actually sends them to a channel,
// applying per-channel-account rate limiting, retry with backoff,
// thread-reply pass-through, and text/media combination rules.
//
// Grounded on GoClaw's internal/channels/ratelimit.go sliding-window
// limiter, generalized here into a token-bucket per (channel, account) key
// using golang.org/x/time/rate — the per-recipient send-rate equivalent of
// that file's per-sender webhook guard — and on internal/providers/retry.go's
// backoff shape, reapplied to channel sends instead of LLM calls.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clawgate/clawgate/internal/bus"
	"github.com/clawgate/clawgate/internal/chunker"
	"github.com/clawgate/clawgate/internal/gatewayerr"
)

// RetryPolicy configures Dispatcher's send retry loop.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the delivery dispatcher's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Capabilities describes what a channel implementation can do, so the
// dispatcher knows whether to fold media+text into one send or split them,
// and whether a replyToId is meaningful.
type Capabilities struct {
	Threading      bool
	CaptionedMedia bool // can attach media with a text caption in one send
	ChunkLimit     int  // 0 = use chunker.DefaultLimits[channel]
}

// CapableChannel is optionally implemented by a channels.Channel to declare
// its Capabilities; a channel that doesn't implement it gets DefaultCapabilities.
type CapableChannel interface {
	Capabilities() Capabilities
}

// DefaultCapabilities is used for any channel that doesn't implement
// CapableChannel: conservative (no threading, no captioned media).
var DefaultCapabilities = Capabilities{Threading: false, CaptionedMedia: false}

// Sender is the subset of channels.Manager the dispatcher needs: resolve a
// channel by name and send to it.
type Sender interface {
	Send(ctx context.Context, channelName string, msg bus.OutboundMessage) error
	Capabilities(channelName string) Capabilities
}

// ActivityRecorder is notified after every successful send, so the caller
// can patch session.lastProvider/lastTo/lastAccountId/lastChannel and bump
// a channel-activity metric without the dispatcher importing sessions.Store
// directly.
type ActivityRecorder func(channel, chatID, accountID string)

// Dispatcher sends ReplyPayloads to channels, one at a time per target, with
// retry, rate limiting, and the text/media combination rules from the
// delivery-dispatcher contract.
type Dispatcher struct {
	sender   Sender
	retry    RetryPolicy
	onSent   ActivityRecorder

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// sentTargets tracks normalized (channel,account,chatID) targets the
	// agent already messaged via an in-turn tool this run, so a duplicate
	// orchestrator-issued payload to the same target is suppressed. Caller
	// populates this per turn via SuppressTarget before calling Deliver.
	sentTargets map[string]bool
}

// NewDispatcher constructs a Dispatcher. Sends are rate limited per
// (channel, account) at 5/s sustained with a burst of 10.
func NewDispatcher(sender Sender, retry RetryPolicy, onSent ActivityRecorder) *Dispatcher {
	return &Dispatcher{
		sender:      sender,
		retry:       retry,
		onSent:      onSent,
		limiters:    make(map[string]*rate.Limiter),
		sentTargets: make(map[string]bool),
	}
}

// SuppressTarget marks (channel,accountID,chatID) as already messaged by an
// in-turn tool call this run; Deliver silently drops payloads to that
// target instead of double-sending.
func (d *Dispatcher) SuppressTarget(channel, accountID, chatID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentTargets[targetKey(channel, accountID, chatID)] = true
}

// ClearSuppressed resets the per-turn duplicate-suppression set; call once
// per new turn before SuppressTarget/Deliver.
func (d *Dispatcher) ClearSuppressed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentTargets = make(map[string]bool)
}

func targetKey(channel, accountID, chatID string) string {
	return channel + "\x00" + accountID + "\x00" + chatID
}

// Payload is one reply the orchestrator decided to deliver.
type Payload struct {
	Channel    string
	AccountID  string
	ChatID     string
	Text       string
	MediaURLs  []string
	ReplyToID  string
	ReplyToTag string
	Silent     bool
	ReplyToMode string // "never"|"threadRoot"|"always", "" = always
}

// Deliver sends one payload, applying rate limiting, duplicate suppression,
// thread pass-through, and the combined-vs-split text/media rule, retrying
// transient failures per d.retry.
func (d *Dispatcher) Deliver(ctx context.Context, p Payload) error {
	if p.Text == "" && len(p.MediaURLs) == 0 {
		return nil // nothing to send
	}

	d.mu.Lock()
	suppressed := d.sentTargets[targetKey(p.Channel, p.AccountID, p.ChatID)]
	d.mu.Unlock()
	if suppressed {
		slog.Debug("dispatch: suppressing duplicate send", "channel", p.Channel, "chat", p.ChatID)
		return nil
	}

	if err := d.wait(ctx, p.Channel, p.AccountID); err != nil {
		return err
	}

	caps := d.sender.Capabilities(p.Channel)
	replyToID := p.ReplyToID
	if !caps.Threading || p.ReplyToMode == "never" {
		replyToID = ""
	}

	limit := caps.ChunkLimit
	if limit <= 0 {
		limit = chunker.DefaultLimits[p.Channel]
	}
	if limit <= 0 {
		limit = 4000
	}

	chunks := chunker.ChunkMarkdownText(p.Text, limit, 0)

	if len(p.MediaURLs) > 0 && caps.CaptionedMedia && len(chunks) <= 1 {
		return d.sendWithRetry(ctx, bus.OutboundMessage{
			Channel: p.Channel, ChatID: p.ChatID, Content: p.Text,
			Media:      toAttachments(p.MediaURLs),
			ReplyToID:  replyToID, ReplyToTag: p.ReplyToTag, Silent: p.Silent,
		}, p)
	}

	// Split: text chunks first, then media, in that order.
	for _, c := range chunks {
		if err := d.sendWithRetry(ctx, bus.OutboundMessage{
			Channel: p.Channel, ChatID: p.ChatID, Content: c,
			ReplyToID: replyToID, ReplyToTag: p.ReplyToTag, Silent: p.Silent,
		}, p); err != nil {
			return err
		}
		replyToID = "" // only the first chunk carries the thread anchor
	}
	for _, url := range p.MediaURLs {
		if err := d.sendWithRetry(ctx, bus.OutboundMessage{
			Channel: p.Channel, ChatID: p.ChatID,
			Media:  []bus.MediaAttachment{{URL: url}},
			Silent: p.Silent,
		}, p); err != nil {
			return err
		}
	}
	return nil
}

func toAttachments(urls []string) []bus.MediaAttachment {
	out := make([]bus.MediaAttachment, len(urls))
	for i, u := range urls {
		out[i] = bus.MediaAttachment{URL: u}
	}
	return out
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, msg bus.OutboundMessage, p Payload) error {
	var lastErr error
	attempts := d.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		err := d.sender.Send(ctx, p.Channel, msg)
		if err == nil {
			if d.onSent != nil {
				d.onSent(p.Channel, p.ChatID, p.AccountID)
			}
			return nil
		}
		lastErr = err
		kind := gatewayerr.KindOf(err)
		if !kind.Retryable() {
			return err
		}
		delay := backoff(d.retry, attempt)
		slog.Warn("dispatch: send failed, retrying", "channel", p.Channel, "chat", p.ChatID, "attempt", attempt+1, "kind", kind, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return gatewayerr.Wrap(gatewayerr.Unavailable, lastErr, "send to %s/%s failed after %d attempts", p.Channel, p.ChatID, attempts)
}

func backoff(p RetryPolicy, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 10 * time.Second
	}
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d + jitter
}

func (d *Dispatcher) wait(ctx context.Context, channel, accountID string) error {
	key := channel + "\x00" + accountID
	d.mu.Lock()
	lim, ok := d.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(5), 10) // 5/s sustained, burst 10, per channel+account
		d.limiters[key] = lim
	}
	d.mu.Unlock()
	return lim.Wait(ctx)
}
