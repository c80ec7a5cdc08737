// Package gateway exposes the bridge to development renderer clients
// over WebSocket. A browser-hosted form renderer connects instead of an
// embedded web container: scripts the host would inject arrive as eval
// frames, and the renderer's postMessage traffic flows back as message
// frames. Each connection gets its own bridge channel.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"synkronus-host/internal/domain"
)

// Session is the bridge endpoint the gateway drives for one connection.
type Session interface {
	HandleMessage(ctx context.Context, raw []byte)
	HandleForeground(ctx context.Context) error
	Close()
}

// SessionFactory builds a bridge session around the connection's view.
// The view delivers injected scripts to the remote renderer.
type SessionFactory func(view domain.ContentView) Session

const (
	sendBuffer       = 64
	probeTimeout     = 5 * time.Second
	inboundRateLimit = rate.Limit(100) // messages per second per client
	inboundBurst     = 200
)

// clientConn tracks a single renderer connection. It doubles as the
// domain.ContentView its bridge channel injects into.
type clientConn struct {
	id      uint64
	info    *ClientInfo
	ws      *websocket.Conn
	sendCh  chan Frame
	done    chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger

	closeOnce sync.Once

	probeMu  sync.Mutex
	probeSeq uint64
	probes   map[uint64]chan bool
}

func (cc *clientConn) Label() string { return fmt.Sprintf("ws-%d:%s", cc.id, cc.info.Name) }

// Inject queues a script evaluation frame for the renderer.
func (cc *clientConn) Inject(ctx context.Context, script string) error {
	frame := Frame{Type: FrameTypeEval, Script: script}
	select {
	case cc.sendCh <- frame:
		return nil
	case <-cc.done:
		return domain.NewSubSystemError("gateway", "clientConn.Inject", domain.ErrTransportUnavailable, "connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasBridge asks the renderer whether the bridge global survived, and
// waits for the correlated probeResult frame.
func (cc *clientConn) HasBridge(ctx context.Context) (bool, error) {
	cc.probeMu.Lock()
	cc.probeSeq++
	id := cc.probeSeq
	ch := make(chan bool, 1)
	cc.probes[id] = ch
	cc.probeMu.Unlock()

	defer func() {
		cc.probeMu.Lock()
		delete(cc.probes, id)
		cc.probeMu.Unlock()
	}()

	select {
	case cc.sendCh <- Frame{Type: FrameTypeProbe, ID: id}:
	case <-cc.done:
		return false, domain.NewSubSystemError("gateway", "clientConn.HasBridge", domain.ErrTransportUnavailable, "connection closed")
	case <-ctx.Done():
		return false, ctx.Err()
	}

	timer := time.NewTimer(probeTimeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return false, domain.NewSubSystemError("gateway", "clientConn.HasBridge", domain.ErrUnavailable, "probe timed out")
	case <-cc.done:
		return false, domain.NewSubSystemError("gateway", "clientConn.HasBridge", domain.ErrTransportUnavailable, "connection closed")
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (cc *clientConn) settleProbe(id uint64, result bool) {
	cc.probeMu.Lock()
	ch, ok := cc.probes[id]
	cc.probeMu.Unlock()
	if ok {
		ch <- result
	}
}

// Server accepts development renderer connections.
type Server struct {
	sessions  SessionFactory
	auth      Authenticator
	bus       domain.EventBus
	logger    *slog.Logger
	addr      string
	httpSrv   *http.Server
	boundAddr string
	clients   sync.Map // connID (uint64) -> *clientConn
	nextID    atomic.Uint64
	unsubAll  func()
}

func NewServer(sessions SessionFactory, auth Authenticator, bus domain.EventBus, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		auth:     auth,
		bus:      bus,
		logger:   logger,
		addr:     addr,
	}
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	if s.bus != nil {
		// Forward host events so a dev client can watch channel
		// lifecycle and sync activity live.
		s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
			payload, err := json.Marshal(event)
			if err != nil {
				return
			}
			frame := Frame{Type: FrameTypeEvent, Data: payload}
			s.clients.Range(func(_, value any) bool {
				cc := value.(*clientConn)
				select {
				case cc.sendCh <- frame:
				default:
					s.logger.Warn("gateway: dropped event for slow client")
				}
				return true
			})
		})
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the bound listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		id:      connID,
		info:    info,
		ws:      ws,
		sendCh:  make(chan Frame, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(inboundRateLimit, inboundBurst),
		logger:  s.logger,
		probes:  make(map[uint64]chan bool),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("renderer client connected", "conn_id", connID, "client", info.Name)

	session := s.sessions(cc)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc, session)

	session.Close()
	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("renderer client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn, session Session) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if !cc.limiter.Allow() {
			s.logger.Warn("inbound frame rate limit exceeded", "conn_id", cc.id)
			continue
		}

		switch frame.Type {
		case FrameTypeMessage:
			session.HandleMessage(ctx, frame.Data)
		case FrameTypeProbeResult:
			cc.settleProbe(frame.ID, frame.Result)
		case FrameTypeForeground:
			if err := session.HandleForeground(ctx); err != nil {
				s.logger.Warn("foreground hook failed", "conn_id", cc.id, "error", err)
			}
		default:
			s.logger.Debug("ignoring unexpected frame", "conn_id", cc.id, "type", frame.Type)
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
