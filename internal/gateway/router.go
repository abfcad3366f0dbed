package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clawgate/clawgate/internal/approvals"
	"github.com/clawgate/clawgate/internal/bus"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gatewayerr"
	"github.com/clawgate/clawgate/internal/pairing"
	"github.com/clawgate/clawgate/internal/sessions"
	"github.com/clawgate/clawgate/pkg/protocol"
)

// MethodHandler executes one RPC method call. It returns the value to
// marshal onto response.payload, or an error to marshal onto response.error
// via gatewayerr.ToWire.
type MethodHandler func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

// MethodRouter is the static method-name → handler table (§6.2). Scope
// authorization happens in Client.handleRequest before a handler ever
// runs, using protocol.RequiredScope — this table only answers "is the
// method known" and "how do I run it".
type MethodRouter struct {
	s        *Server
	handlers map[string]MethodHandler
}

// NewMethodRouter builds the dispatch table for s.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{s: s, handlers: make(map[string]MethodHandler)}
	r.register()
	return r
}

func (r *MethodRouter) lookup(method string) (MethodHandler, bool) {
	h, ok := r.handlers[method]
	return h, ok
}

func (r *MethodRouter) register() {
	s := r.s

	r.handlers[protocol.MethodHealth] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
	}

	r.handlers[protocol.MethodStatus] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"channels":  s.chans.GetStatus(),
			"providers": s.orch.Agents().ProviderNames(),
			"uptime":    time.Since(s.startedAt).Seconds(),
		}, nil
	}

	r.handlers[protocol.MethodChannelsStatus] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return s.chans.GetStatus(), nil
	}

	r.handlers[protocol.MethodProvidersStatus] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"chain": s.orch.Agents().ProviderNames()}, nil
	}

	r.handlers[protocol.MethodConfigGet] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return s.cfg, nil
	}

	r.handlers[protocol.MethodSessionsList] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			ActiveMinutes int    `json:"activeMinutes"`
			SpawnedBy     string `json:"spawnedBy"`
			Limit         int    `json:"limit"`
		}
		_ = json.Unmarshal(params, &req)
		return s.orch.Sessions().List(sessions.ListOptions{
			ActiveMinutes: req.ActiveMinutes,
			SpawnedBy:     req.SpawnedBy,
			Limit:         req.Limit,
		}), nil
	}

	r.handlers[protocol.MethodSessionsPreview] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		entry, ok := s.orch.Sessions().Get(req.Key)
		if !ok {
			return nil, gatewayerr.New(gatewayerr.NotFound, "session %s not found", req.Key)
		}
		return entry, nil
	}

	r.handlers[protocol.MethodSessionsResolve] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Input   string `json:"input"`
			MainKey string `json:"mainKey"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		key, ok := s.orch.Sessions().Resolve(req.Input, req.MainKey)
		if !ok {
			return nil, gatewayerr.New(gatewayerr.NotFound, "no session resolves from %q", req.Input)
		}
		return map[string]string{"key": key}, nil
	}

	r.handlers[protocol.MethodSessionsPatch] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key   string          `json:"key"`
			Patch sessions.Patch `json:"patch"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		entry, err := s.orch.Sessions().Patch(req.Key, req.Patch)
		if err != nil {
			return nil, err
		}
		s.BroadcastEvent(protocol.EventSessionPatched, map[string]interface{}{"key": req.Key, "entry": entry})
		return entry, nil
	}

	r.handlers[protocol.MethodSessionsReset] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		return s.orch.Sessions().Patch(req.Key, sessions.Patch{
			ThinkingLevel: sessions.Clear[string](), VerboseLevel: sessions.Clear[string](),
			ReasoningLevel: sessions.Clear[string](), ElevatedLevel: sessions.Clear[string](),
			ProviderOverride: sessions.Clear[string](), ModelOverride: sessions.Clear[string](),
		})
	}

	r.handlers[protocol.MethodSessionsDelete] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		return nil, s.orch.Sessions().Delete(req.Key)
	}

	r.handlers[protocol.MethodSessionsCompact] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key       string `json:"key"`
			KeepLast  int    `json:"keepLast"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		keep := req.KeepLast
		if keep <= 0 {
			keep = 20
		}
		msgs, err := s.orch.Transcripts().Load(req.Key)
		if err != nil {
			return nil, err
		}
		if len(msgs) > keep {
			msgs = msgs[len(msgs)-keep:]
		}
		if err := s.orch.Transcripts().Compact(req.Key, msgs); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "compacted", "kept": len(msgs)}, nil
	}

	r.handlers[protocol.MethodChatAbort] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		s.orch.Queue().Abort(req.Key)
		return map[string]string{"status": "aborted"}, nil
	}

	r.handlers[protocol.MethodChatSend] = handleChatSend(s)
	r.handlers[protocol.MethodAgent] = handleChatSend(s)
	r.handlers[protocol.MethodSend] = handleChatSend(s)

	r.handlers[protocol.MethodNodePairRequest] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			NodeName    string          `json:"nodeName"`
			Scopes      []pairing.Scope `json:"scopes"`
			Fingerprint string          `json:"fingerprint"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		pending, err := s.pair.RequestPairing(req.NodeName, req.Scopes, req.Fingerprint)
		if err != nil {
			return nil, err
		}
		s.BroadcastEvent(protocol.EventNodePairRequested, pending)
		return pending, nil
	}

	r.handlers[protocol.MethodNodePairList] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"pending": s.pair.ListPending(),
			"paired":  s.pair.ListPaired(),
		}, nil
	}

	r.handlers[protocol.MethodNodePairApprove] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		token, node, err := s.pair.Approve(req.RequestID)
		if err != nil {
			return nil, err
		}
		s.resolvePairWaiter(req.RequestID, pairResult{approved: true, token: token, node: node})
		s.BroadcastEvent(protocol.EventNodePairResolved, map[string]interface{}{"requestId": req.RequestID, "nodeId": node.NodeID})
		return map[string]interface{}{"token": token, "node": node}, nil
	}

	r.handlers[protocol.MethodNodePairReject] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		if err := s.pair.Reject(req.RequestID); err != nil {
			return nil, err
		}
		s.resolvePairWaiter(req.RequestID, pairResult{approved: false})
		s.BroadcastEvent(protocol.EventNodePairResolved, map[string]interface{}{"requestId": req.RequestID, "rejected": true})
		return map[string]string{"status": "rejected"}, nil
	}

	r.handlers[protocol.MethodNodeList] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return s.pair.ListPaired(), nil
	}

	r.handlers[protocol.MethodNodeRename] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "node.rename requires a names store, not yet configured")
	}

	r.handlers[protocol.MethodDeviceTokenRotate] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			NodeID string `json:"nodeId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		token, err := s.pair.RotateToken(req.NodeID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"token": token}, nil
	}

	r.handlers[protocol.MethodDeviceTokenRevoke] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			NodeID string `json:"nodeId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		return nil, s.pair.Revoke(req.NodeID)
	}

	r.handlers[protocol.MethodNodeDescribe] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			NodeID string `json:"nodeId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		for _, n := range s.pair.ListPaired() {
			if n.NodeID == req.NodeID {
				return n, nil
			}
		}
		return nil, gatewayerr.New(gatewayerr.NotFound, "node %s not found", req.NodeID)
	}

	r.handlers[protocol.MethodApprovalRequest] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			SessionKey string `json:"sessionKey"`
			Summary    string `json:"summary"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		pending := s.approvals.Request(req.SessionKey, req.Summary)
		s.BroadcastEvent("exec.approval.requested", pending)
		return pending, nil
	}

	r.handlers[protocol.MethodApprovalWaitDecision] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		return s.approvals.WaitDecision(ctx, req.ID)
	}

	r.handlers[protocol.MethodApprovalResolve] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			ID       string `json:"id"`
			Approved bool   `json:"approved"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		if err := s.approvals.Resolve(req.ID, approvals.Decision{Approved: req.Approved, Reason: req.Reason}); err != nil {
			return nil, err
		}
		return map[string]string{"status": "resolved"}, nil
	}

	r.handlers[protocol.MethodBrowserRequest] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(params, &req); err != nil || req.URL == "" {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "url is required")
		}
		return s.renderer.Request(ctx, req.URL)
	}

	r.handlers[protocol.MethodPoll] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		return map[string]int{"queueLength": s.orch.Queue().QueueLength(req.Key)}, nil
	}

	r.handlers[protocol.MethodWake] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key     string `json:"key"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		s.orch.Queue().Enqueue(req.Key, req.Content)
		return map[string]string{"status": "queued"}, nil
	}

	r.handlers[protocol.MethodChatHistory] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		msgs, err := s.orch.Transcripts().Load(req.Key)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"messages": msgs}, nil
	}

	r.handlers[protocol.MethodChatInject] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Key  string `json:"key"`
			Role string `json:"role"`
			Raw  json.RawMessage `json:"raw"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		if req.Role == "" {
			req.Role = "user"
		}
		if err := s.orch.Transcripts().Append(req.Key, sessions.TranscriptMessage{Role: req.Role, Raw: req.Raw}); err != nil {
			return nil, err
		}
		return map[string]string{"status": "injected"}, nil
	}

	r.handlers[protocol.MethodConfigSet] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		if s.configPath == "" {
			return nil, gatewayerr.New(gatewayerr.Unavailable, "gateway started without a writable config path")
		}
		var next config.Config
		if err := json.Unmarshal(params, &next); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid config body")
		}
		s.cfg.ReplaceFrom(&next)
		if err := config.Save(s.configPath, s.cfg); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.Unavailable, err, "save config")
		}
		return map[string]string{"status": "saved", "hash": s.cfg.Hash()}, nil
	}

	r.handlers[protocol.MethodConnect] = func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"protocol": protocol.ProtocolVersion,
			"scopes":   c.scopes(),
		}, nil
	}
}

// handleChatSend backs chat.send/agent/send: it builds an InboundMessage
// from the request params and runs it synchronously through the
// orchestrator (C5), returning the reply payload(s) directly in the
// response rather than delivering them asynchronously through a channel.
func handleChatSend(s *Server) MethodHandler {
	return func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
		var req struct {
			Channel   string   `json:"channel"`
			ChatID    string   `json:"chatId"`
			AccountID string   `json:"accountId"`
			Content   string   `json:"content"`
			AgentID   string   `json:"agentId"`
			ChatType  string   `json:"chatType"`
			Media     []string `json:"media"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "invalid params")
		}
		if req.Content == "" {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "content is required")
		}
		if req.Channel == "" {
			req.Channel = "rpc"
		}
		if req.ChatID == "" {
			req.ChatID = c.id
		}
		replies, err := s.orch.InvokeSync(ctx, bus.InboundMessage{
			Channel:   req.Channel,
			ChatID:    req.ChatID,
			AccountID: req.AccountID,
			Content:   req.Content,
			AgentID:   req.AgentID,
			ChatType:  req.ChatType,
			Media:     req.Media,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"replies": replies}, nil
	}
}
