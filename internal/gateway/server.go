// Package gateway implements the gateway RPC server (C9): a single
// long-lived, authenticated, full-duplex WebSocket carrying line-delimited
// JSON frames, per the wire protocol in the external-interfaces design.
//
// Grounded on GoClaw's internal/gateway/server.go (upgrader setup, origin
// checking, mux construction, client registry, event fan-out) but rebuilt
// around this module's actual dependencies — sessions.Store, pairing.Store,
// orchestrator.Orchestrator, channels.Manager — instead of the teacher's
// managed-mode store/permissions/tools/http stack, which this gateway does
// not carry.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawgate/clawgate/internal/approvals"
	"github.com/clawgate/clawgate/internal/browser"
	"github.com/clawgate/clawgate/internal/bus"
	"github.com/clawgate/clawgate/internal/channels"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/orchestrator"
	"github.com/clawgate/clawgate/internal/pairing"
	"github.com/clawgate/clawgate/pkg/protocol"
)

// HandshakeTimeout bounds how long a connection may stay un-authenticated
// before the server drops it (§4.9 handshake step 1).
const defaultHandshakeTimeout = 10 * time.Second

// RequestTimeout bounds one RPC method call when the method table doesn't
// override it.
const defaultRequestTimeout = 30 * time.Second

// PairingExpiry bounds how long a pending pair-request waits for operator
// approval before the client's next poll reports it expired.
const pairingExpiry = 5 * time.Minute

// Server is the gateway's WebSocket + HTTP listener.
type Server struct {
	cfg    *config.Config
	bus    *bus.MessageBus
	orch   *orchestrator.Orchestrator
	chans  *channels.Manager
	pair   *pairing.Store
	approvals *approvals.Store
	renderer  *browser.Renderer

	startedAt time.Time

	router *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	pairMu      sync.Mutex
	pairWaiters map[string]chan pairResult

	httpServer *http.Server
	mux        *http.ServeMux

	handshakeTimeout time.Duration
	requestTimeout   time.Duration

	configPath string
}

// NewServer wires a gateway server around the given dependencies.
// configPath is the file config.Set persists to; pass "" to reject
// config.set/config.apply at runtime (e.g. when config was supplied purely
// via environment).
func NewServer(cfg *config.Config, configPath string, msgBus *bus.MessageBus, orch *orchestrator.Orchestrator, chanMgr *channels.Manager, pairStore *pairing.Store) *Server {
	s := &Server{
		cfg:              cfg,
		configPath:       configPath,
		bus:              msgBus,
		orch:             orch,
		chans:            chanMgr,
		pair:             pairStore,
		approvals:        approvals.NewStore(),
		renderer:         browser.NewRenderer(),
		startedAt:        time.Now(),
		clients:          make(map[string]*Client),
		pairWaiters:      make(map[string]chan pairResult),
		handshakeTimeout: defaultHandshakeTimeout,
		requestTimeout:   defaultRequestTimeout,
	}
	if cfg.Gateway.HandshakeTimeoutMS > 0 {
		s.handshakeTimeout = time.Duration(cfg.Gateway.HandshakeTimeoutMS) * time.Millisecond
	}
	if cfg.Gateway.RequestTimeoutMS > 0 {
		s.requestTimeout = time.Duration(cfg.Gateway.RequestTimeoutMS) * time.Millisecond
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM)
	s.router = NewMethodRouter(s)
	return s
}

// checkOrigin enforces Gateway.AllowedOrigins; an empty list allows all
// (dev mode and non-browser clients, which send no Origin header at all).
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// BuildMux constructs (and caches) the HTTP mux. Exposed so callers that
// need additional listeners (e.g. a Tailscale tsnet listener sharing the
// same handler) can reuse it without a second Start.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens on Gateway.Host:Port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway: listening", "addr", addr)

	go s.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		_ = s.renderer.Close()
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	return nil
}

// heartbeatLoop broadcasts a heartbeat event every 30s so subscribers can
// distinguish a quiet-but-alive gateway from a stalled one.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.BroadcastEvent(protocol.EventHeartbeat, map[string]int64{"ts": time.Now().UnixMilli()})
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: upgrade failed", "error", err)
		return
	}
	c := newClient(conn, s)
	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		c.close()
	}()
	c.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent fans an event out to every paired, subscribed client.
func (s *Server) BroadcastEvent(event string, payload interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.sendEvent(protocol.NewEvent(event, payload))
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(ev bus.Event) {
		if strings.HasPrefix(ev.Name, "cache.") {
			return
		}
		c.sendEvent(protocol.NewEvent(ev.Name, ev.Payload))
	})
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.bus.Unsubscribe(c.id)
	s.rateLimiter.Forget(c.id)
}

// pairResult is delivered to a connection blocked in awaitPairApproval once
// an operator resolves its pairing request through `node.pair.approve`/
// `node.pair.reject` on a different connection.
type pairResult struct {
	approved bool
	token    string
	node     *pairing.PairedNode
}

// registerPairWaiter installs a channel the node.pair.approve/reject
// handlers can signal once the given pending request resolves.
func (s *Server) registerPairWaiter(requestID string) chan pairResult {
	ch := make(chan pairResult, 1)
	s.pairMu.Lock()
	s.pairWaiters[requestID] = ch
	s.pairMu.Unlock()
	return ch
}

func (s *Server) unregisterPairWaiter(requestID string) {
	s.pairMu.Lock()
	delete(s.pairWaiters, requestID)
	s.pairMu.Unlock()
}

// resolvePairWaiter notifies a blocked pair-request connection, if any is
// still waiting, that an operator approved or rejected it.
func (s *Server) resolvePairWaiter(requestID string, result pairResult) {
	s.pairMu.Lock()
	ch, ok := s.pairWaiters[requestID]
	s.pairMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- result:
	default:
	}
}
