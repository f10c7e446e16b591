// Package websocket serves brew operations to local UI clients. Clients send
// commands over /ws and receive progress, step and log frames followed by a
// command_result for each command.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/brewkit/internal/brew"
	"github.com/breeze-rmm/brewkit/internal/catalog"
	"github.com/breeze-rmm/brewkit/internal/health"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/metrics"
	"github.com/breeze-rmm/brewkit/internal/patching"
	"github.com/breeze-rmm/brewkit/internal/progress"
	"github.com/breeze-rmm/brewkit/internal/workerpool"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
	logBuffer      = 64
)

var errSessionClosed = errors.New("session closed")

// Backend is the brew facade the server drives. *patching.Manager
// satisfies it.
type Backend interface {
	Catalog(ctx context.Context, kind brew.Kind, onProgress progress.Func[catalog.Progress]) ([]brew.Package, error)
	Search(ctx context.Context, query string, onProgress progress.Func[catalog.Progress]) ([]brew.Package, error)
	Outdated(ctx context.Context, greedy bool) ([]patching.OutdatedPackage, error)
	Installed(ctx context.Context) ([]brew.Package, error)
	UpgradeAll(ctx context.Context, opts patching.BatchOptions) patching.BatchResult
	CancelBatch(id string) bool
	RunningBatches() []string
	CatalogBusy() bool
}

// Options configures a Server.
type Options struct {
	Workers   int
	QueueSize int
	// LogLevel is the lowest level mirrored to clients as log frames.
	LogLevel slog.Level

	// Defaults for upgrade.batch and outdated payload fields a client omits.
	ContinueOnError bool
	Prefetch        bool
	Greedy          bool
}

// Server accepts websocket clients and runs their commands on a worker pool.
type Server struct {
	backend  Backend
	opts     Options
	upgrader websocket.Upgrader
	pool     *workerpool.Pool
	logs     *progress.Hub[[]byte]
	health   *health.Monitor

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a server for backend. Call Close to release its workers.
func New(backend Backend, opts Options) *Server {
	return &Server{
		backend: backend,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		pool:    workerpool.New("commands", opts.Workers, opts.QueueSize),
		logs:    progress.NewHub[[]byte](logBuffer),
		health:  health.NewMonitor(),
		running: make(map[string]context.CancelFunc),
	}
}

// Handler returns the HTTP routes: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/healthz", s.health.Handler())
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Health exposes the outcome of the latest catalog and brew commands.
func (s *Server) Health() *health.Monitor {
	return s.health
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, mirroring log records to clients
// while it runs. Running commands are cancelled on the way out.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: writeWait,
	}

	logging.SetForwarder(s)
	defer logging.SetForwarder(nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("server listening", "addr", ln.Addr().String())

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	s.Close(shutdownCtx)

	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}

// Close cancels running commands, waits for them until ctx is done and
// disconnects every client.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	s.pool.Shutdown(ctx)
	s.logs.Close()
	log.Info("server stopped")
}

// MinLevel implements logging.Forwarder.
func (s *Server) MinLevel() slog.Level {
	return s.opts.LogLevel
}

// Forward implements logging.Forwarder by broadcasting entry to every client.
// It must not log.
func (s *Server) Forward(entry logging.Entry) {
	data, err := json.Marshal(LogFrame{Type: FrameLog, Entry: entry})
	if err != nil {
		return
	}
	s.logs.Publish(data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, logging.KeyError, err)
		return
	}

	sess := newSession(s, conn)
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	log.Info("client connected", "remote", r.RemoteAddr)

	go sess.writePump()
	sess.readPump()
	sess.close()
	log.Info("client disconnected", "remote", r.RemoteAddr, "clients", s.logs.Subscribers())
}

// track registers cancel under a command ID. It fails if the ID is in use.
func (s *Server) track(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.running[id]; exists {
		return false
	}
	s.running[id] = cancel
	return true
}

func (s *Server) runningCommands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// cancel stops a running command by ID.
func (s *Server) cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// session is one connected client. writePump is the only writer on conn.
type session struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	logs <-chan []byte

	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

func newSession(s *Server, conn *websocket.Conn) *session {
	logs, unsubscribe := s.logs.Subscribe()
	return &session{
		srv:         s,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		logs:        logs,
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
	}
}

func (c *session) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribe()
		c.conn.Close()
	})
}

func (c *session) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Warn("failed to parse command", logging.KeyError, err)
			continue
		}
		if cmd.ID == "" || cmd.Type == "" {
			c.deliver(CommandResult{
				Type:      FrameCommandResult,
				CommandID: cmd.ID,
				Status:    StatusFailed,
				Error:     "command id and type are required",
			})
			continue
		}

		c.srv.dispatch(c, cmd)
	}
}

func (c *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				return
			}

		case message, ok := <-c.logs:
			if !ok {
				c.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait),
				)
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *session) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// deliver queues v for the client, waiting for room until the session ends.
func (c *session) deliver(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errSessionClosed
	}
}

// offer queues v if there is room and drops it otherwise. Progress frames
// go through here so a slow client cannot stall brew.
func (c *session) offer(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
