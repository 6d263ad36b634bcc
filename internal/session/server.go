package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/replaycore/replayd/config"
	"github.com/replaycore/replayd/internal/bus/eventbus"
	"github.com/replaycore/replayd/internal/observability"
	"github.com/replaycore/replayd/internal/schema"
	"github.com/replaycore/replayd/internal/telemetry"
)

// kindToPush maps bus event kinds onto outbound push message types. Kinds
// without a mapping stay internal and are never broadcast.
var kindToPush = map[schema.EventKind]schema.MessageType{
	schema.EventKindTick:     schema.MessageTickUpdate,
	schema.EventKindBar:      schema.MessageBarUpdate,
	schema.EventKindPosition: schema.MessagePositionUpdate,
	schema.EventKindAccount:  schema.MessageAccountUpdate,
	schema.EventKindTrade:    schema.MessageTradeUpdate,
	schema.EventKindRisk:     schema.MessageAlert,
	schema.EventKindSystem:   schema.MessageAlert,
}

// Server accepts websocket clients, dispatches their commands, and fans bus
// events out to every live connection.
type Server struct {
	cfg      config.ServerSettings
	dispatch *Dispatcher
	state    StateProvider

	mu       sync.Mutex
	clients  map[string]*client
	departed map[string]departure

	httpSrv  *http.Server
	stopCh   chan struct{}
	stopOnce sync.Once

	messagesCounter  metric.Int64Counter
	broadcastCounter metric.Int64Counter
	clientsGauge     metric.Int64UpDownCounter
}

// ServerOption customises server construction.
type ServerOption func(*Server)

// WithServerStateProvider supplies the reconnect state_sync document.
func WithServerStateProvider(provider StateProvider) ServerOption {
	return func(s *Server) { s.state = provider }
}

// NewServer constructs a session server around the dispatcher.
func NewServer(cfg config.ServerSettings, dispatch *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		dispatch: dispatch,
		clients:  make(map[string]*client),
		departed: make(map[string]departure),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter("session")
	s.messagesCounter, _ = meter.Int64Counter("session.messages.received",
		metric.WithDescription("Number of inbound command messages"),
		metric.WithUnit("{message}"))
	s.broadcastCounter, _ = meter.Int64Counter("session.broadcasts",
		metric.WithDescription("Number of events fanned out to clients"),
		metric.WithUnit("{event}"))
	s.clientsGauge, _ = meter.Int64UpDownCounter("session.clients.active",
		metric.WithDescription("Number of connected clients"),
		metric.WithUnit("{client}"))

	return s
}

// AttachBus subscribes the server to every pushable event kind so bus
// traffic reaches connected clients.
func (s *Server) AttachBus(bus eventbus.Bus) {
	for kind, pushType := range kindToPush {
		push := pushType
		bus.Subscribe(kind, func(evt schema.Event) error {
			return s.broadcastEvent(push, evt)
		})
	}
}

func (s *Server) broadcastEvent(pushType schema.MessageType, evt schema.Event) error {
	msg, err := schema.NewMessage(uuid.NewString(), pushType, evt)
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}
	s.Broadcast(msg)
	return nil
}

// Broadcast serialises the message once and delivers it to every live
// client through a bounded worker pool. Write failures disconnect the
// offending client; they never block the rest of the fan-out.
func (s *Server) Broadcast(msg schema.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		observability.Log().Error("encode broadcast", observability.F("error", err))
		return
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(targets) {
		workers = len(targets)
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, target := range targets {
		c := target
		p.Go(func() {
			if err := c.sendRaw(context.Background(), raw); err != nil {
				observability.Log().Debug("broadcast write failed",
					observability.F("client_id", c.id),
					observability.F("error", err))
				s.drop(c, websocket.StatusAbnormalClosure, "write failure")
			}
		})
	}
	p.Wait()

	if s.broadcastCounter != nil {
		s.broadcastCounter.Add(context.Background(), int64(len(targets)), metric.WithAttributes(
			telemetry.AttrMessageType.String(string(msg.Type))))
	}
}

// ServeHTTP upgrades the request and runs the client's read loop until the
// connection drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observability.Log().Debug("websocket accept failed", observability.F("error", err))
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	clientID, reconnected := s.resolveIdentity(r.URL.Query().Get("client_id"))
	c := newClient(clientID, conn, s.cfg.CommandRatePerSecond)
	ctx := r.Context()

	connectMsg, err := schema.NewMessage(uuid.NewString(), schema.MessageConnect, schema.ConnectPayload{
		ClientID:   clientID,
		ServerTime: time.Now().UnixMilli(),
	})
	if err == nil {
		err = c.send(ctx, connectMsg)
	}
	if err != nil {
		c.close(websocket.StatusInternalError, "handshake failed")
		return
	}

	// A resumed identity gets exactly one state_sync before it is registered
	// for broadcasts, so no post-reconnect event can overtake it.
	if reconnected && s.state != nil {
		syncMsg, err := schema.NewMessage(uuid.NewString(), schema.MessageStateSync, s.state())
		if err != nil || c.send(ctx, syncMsg) != nil {
			c.close(websocket.StatusInternalError, "state sync failed")
			return
		}
	}

	s.register(c)
	defer s.unregister(c)

	observability.Log().Info("client connected",
		observability.F("client_id", clientID),
		observability.F("reconnected", reconnected))

	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				observability.Log().Debug("client read failed",
					observability.F("client_id", c.id),
					observability.F("error", err))
			}
			return
		}
		c.touch()

		var msg schema.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			malformed := errorMessage("", fmt.Errorf("malformed message envelope: %w", err))
			_ = c.send(ctx, malformed)
			continue
		}
		if s.messagesCounter != nil {
			s.messagesCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrMessageType.String(string(msg.Type)),
				telemetry.AttrClientID.String(c.id)))
		}
		if !c.limiter.Allow() {
			_ = c.send(ctx, throttledMessage(msg.ID, s.cfg.CommandRatePerSecond))
			continue
		}

		reply := s.dispatch.Handle(ctx, msg)
		if err := c.send(ctx, reply); err != nil {
			return
		}
		if msg.Type == schema.MessageDisconnect {
			c.close(websocket.StatusNormalClosure, "client requested disconnect")
			return
		}
	}
}

// resolveIdentity resumes a departed client id when it is still inside the
// reconnect grace period, otherwise mints a fresh identity.
func (s *Server) resolveIdentity(requested string) (string, bool) {
	if requested == "" {
		return uuid.NewString(), false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gone, ok := s.departed[requested]
	if !ok || time.Since(gone.leftAt) > s.cfg.ReconnectGracePeriod {
		return uuid.NewString(), false
	}
	delete(s.departed, requested)
	return requested, true
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	if s.clientsGauge != nil {
		s.clientsGauge.Add(context.Background(), 1)
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if current, ok := s.clients[c.id]; !ok || current != c {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	s.departed[c.id] = departure{clientID: c.id, leftAt: time.Now()}
	s.mu.Unlock()

	if s.clientsGauge != nil {
		s.clientsGauge.Add(context.Background(), -1)
	}
	observability.Log().Info("client disconnected", observability.F("client_id", c.id))
}

func (s *Server) drop(c *client, code websocket.StatusCode, reason string) {
	c.close(code, reason)
	s.unregister(c)
}

// Start binds the listener and serves until Shutdown. The heartbeat sweeper
// runs alongside the accept loop.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind session listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", s)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweep()

	observability.Log().Info("session server listening", observability.F("addr", addr))
	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("session server: %w", err)
	}
	return nil
}

// sweep sends heartbeats, closes idle clients, and purges stale reconnect
// metadata on the heartbeat interval.
func (s *Server) sweep() {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		heartbeat, err := schema.NewMessage(uuid.NewString(), schema.MessageHeartbeat, nil)
		if err != nil {
			continue
		}

		s.mu.Lock()
		targets := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			targets = append(targets, c)
		}
		for id, gone := range s.departed {
			if time.Since(gone.leftAt) > s.cfg.ReconnectGracePeriod {
				delete(s.departed, id)
			}
		}
		s.mu.Unlock()

		for _, c := range targets {
			if time.Since(c.idleSince()) > s.cfg.HeartbeatTimeout {
				observability.Log().Info("closing idle client", observability.F("client_id", c.id))
				s.drop(c, websocket.StatusPolicyViolation, "heartbeat timeout")
				continue
			}
			_ = c.send(context.Background(), heartbeat)
		}
	}
}

// Shutdown closes every client and stops the accept loop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.close(websocket.StatusNormalClosure, "server shutting down")
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("session server shutdown: %w", err)
		}
	}
	return nil
}
