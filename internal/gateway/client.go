package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawgate/clawgate/internal/gatewayerr"
	"github.com/clawgate/clawgate/internal/pairing"
	"github.com/clawgate/clawgate/pkg/protocol"
)

// eventBufferSize bounds how many pending event frames a client's write
// queue holds before it's treated as a slow consumer (§4.9 event fan-out).
const eventBufferSize = 64

// Client is one connected RPC peer: an operator CLI, dashboard, or peer
// node. It starts unauthenticated and is promoted to a *pairing.PairedNode
// once the hello handshake verifies a token (or a pair-request is approved).
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu   sync.Mutex
	node *pairing.PairedNode

	send       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, eventBufferSize),
		closed: make(chan struct{}),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// scopes returns the authorized node's scopes, or nil if unauthenticated.
func (c *Client) scopes() []pairing.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.node == nil {
		return nil
	}
	return c.node.Scopes
}

func (c *Client) authorized(required protocol.Scope) bool {
	c.mu.Lock()
	node := c.node
	c.mu.Unlock()
	if node == nil {
		return false
	}
	return pairing.Authorize(node, pairing.Scope(required))
}

// run drives one connection end to end: handshake, then concurrent
// read/write pumps until either side closes.
func (c *Client) run(ctx context.Context) {
	go c.writePump()

	if !c.handshake(ctx) {
		c.close()
		return
	}

	c.readLoop(ctx)
}

// handshake blocks for up to the server's handshake timeout waiting for a
// `hello` or `pair-request` frame (§4.9 step 1-3).
func (c *Client) handshake(ctx context.Context) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.handshakeTimeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		slog.Warn("gateway: handshake read failed", "client", c.id, "error", err)
		return false
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}

	switch env.Type {
	case protocol.FrameHello:
		var hello protocol.HelloFrame
		if err := json.Unmarshal(raw, &hello); err != nil {
			return false
		}
		node, err := c.server.pair.VerifyToken(hello.Token)
		if err != nil {
			slog.Warn("gateway: hello token rejected", "client", c.id, "node", hello.NodeID, "error", err)
			return false
		}
		c.mu.Lock()
		c.node = node
		c.mu.Unlock()
		c.sendFrame(&protocol.HelloOKFrame{Type: protocol.FrameHelloOK, ServerName: "clawgate"})
		slog.Info("gateway: client authenticated", "client", c.id, "node", node.NodeID)
		return true

	case protocol.FramePairRequest:
		var req protocol.PairRequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			return false
		}
		pending, err := c.server.pair.RequestPairing(req.NodeName, []pairing.Scope{pairing.ScopeRead}, req.Fingerprint)
		if err != nil {
			return false
		}
		c.server.BroadcastEvent(protocol.EventNodePairRequested, pending)
		return c.awaitPairApproval(pending.RequestID)

	default:
		slog.Warn("gateway: unexpected first frame", "client", c.id, "type", env.Type)
		return false
	}
}

// awaitPairApproval blocks until an operator resolves requestID through
// `node.pair.approve`/`node.pair.reject` on another connection, or until
// the pairing window (§4.10, 5 minutes) elapses. On approval it hands the
// freshly minted token to this same connection via a `pair-ok` frame and
// promotes it to authenticated, exactly as if it had reconnected with that
// token.
func (c *Client) awaitPairApproval(requestID string) bool {
	waiter := c.server.registerPairWaiter(requestID)
	defer c.server.unregisterPairWaiter(requestID)

	select {
	case <-c.closed:
		return false
	case <-time.After(pairingExpiry):
		c.sendFrame(protocol.Err("", "PAIRING_EXPIRED", "pairing expired"))
		return false
	case res := <-waiter:
		if !res.approved {
			c.sendFrame(protocol.Err("", "UNAUTHORIZED", "pairing rejected"))
			return false
		}
		c.mu.Lock()
		c.node = res.node
		c.mu.Unlock()
		c.sendFrame(&protocol.PairOKFrame{Type: protocol.FramePairOK, Token: res.token, NodeID: res.node.NodeID})
		slog.Info("gateway: client paired", "client", c.id, "node", res.node.NodeID)
		return true
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.FrameRequest:
			var req protocol.RequestFrame
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			go c.handleRequest(ctx, req)
		case protocol.FramePing:
			var p protocol.PingPongFrame
			_ = json.Unmarshal(raw, &p)
			c.sendFrame(&protocol.PingPongFrame{Type: protocol.FramePong, ID: p.ID})
		case protocol.FramePong:
			// keepalive ack, nothing to do
		default:
			slog.Debug("gateway: ignoring frame", "client", c.id, "type", env.Type)
		}
	}
}

func (c *Client) handleRequest(ctx context.Context, req protocol.RequestFrame) {
	if !c.server.rateLimiter.Allow(c.id) {
		c.sendFrame(protocol.Err(req.ID, "THROTTLED", "rate limit exceeded"))
		return
	}

	required, known := protocol.RequiredScope(req.Method)
	if !known {
		required = protocol.ScopeAdmin
	}
	if !c.authorized(required) {
		c.sendFrame(protocol.Err(req.ID, "UNAUTHORIZED", "missing required scope"))
		return
	}
	handler, ok := c.server.router.lookup(req.Method)
	if !ok {
		c.sendFrame(protocol.Err(req.ID, "METHOD_NOT_FOUND", "unknown method: "+req.Method))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.server.requestTimeout)
	defer cancel()

	result, err := handler(reqCtx, c, req.Params)
	if err != nil {
		wire := gatewayerr.ToWire(err)
		c.sendFrame(&protocol.ResponseFrame{Type: protocol.FrameResponse, ID: req.ID, OK: false, Error: &protocol.WireError{Code: wire.Code, Message: wire.Message}})
		return
	}
	resp, err := protocol.OK(req.ID, result)
	if err != nil {
		c.sendFrame(protocol.Err(req.ID, "INTERNAL", err.Error()))
		return
	}
	c.sendFrame(resp)
}

func (c *Client) sendFrame(frame interface{}) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Client) sendEvent(ev *protocol.EventFrame) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.enqueue(b)
}

// enqueue pushes a frame onto the client's write queue. A full queue marks
// the client a slow consumer: rather than block the broadcaster (which
// would stall every other subscriber), the oldest queued frame is dropped
// and a SLOW_CONSUMER event takes its place.
func (c *Client) enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		select {
		case <-c.send:
		default:
		}
		if warn, err := json.Marshal(protocol.NewEvent(protocol.EventSlowConsumer, nil)); err == nil {
			select {
			case c.send <- warn:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case b := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.TextMessage, pingFrameBytes(c.id)); err != nil {
				c.close()
				return
			}
		}
	}
}

func pingFrameBytes(id string) []byte {
	b, _ := json.Marshal(&protocol.PingPongFrame{Type: protocol.FramePing, ID: id})
	return b
}

