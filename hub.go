package shane

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"slices"
	"sync"
	"sync/atomic"
)

// Sender delivers lines to the upstream network on behalf of clients.
type Sender interface {
	Send(line string) error
	Nick() string
}

// Hub is the client-facing side of a network. It accepts connections,
// keeps the set of authenticated sessions and fans upstream lines out to
// them. A line is either delivered live to a nickname or buffered for
// it, never both: dispatch and registration share one lock.
type Hub struct {
	name       string
	serverName string
	password   string
	tlsConfig  *tls.Config
	backlog    *Backlog
	upstream   Sender
	logger     *log.Logger
	debug      bool
	metrics    *networkMetrics

	listener net.Listener
	lastID   atomic.Uint64

	lock      sync.RWMutex
	sessions  map[*ClientSession]struct{}
	connected map[*ClientSession]struct{}
	stopped   bool
}

func newHub(name string, cfg *Config, tlsConfig *tls.Config, backlog *Backlog, logger *log.Logger, debug bool, metrics *networkMetrics) *Hub {
	return &Hub{
		name:       name,
		serverName: cfg.ServerName,
		password:   cfg.Password,
		tlsConfig:  tlsConfig,
		backlog:    backlog,
		logger:     logger,
		debug:      debug,
		metrics:    metrics,

		sessions:  make(map[*ClientSession]struct{}),
		connected: make(map[*ClientSession]struct{}),
	}
}

// attach sets where authenticated client lines go.
func (h *Hub) attach(upstream Sender) {
	h.upstream = upstream
}

// Listen binds the client listener and starts accepting in the
// background.
func (h *Hub) Listen(ctx context.Context, addr string) error {
	var config net.ListenConfig
	l, err := config.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("Listen: %w", err)
	}
	if h.tlsConfig != nil {
		l = tls.NewListener(l, h.tlsConfig)
	}

	h.lock.Lock()
	if h.stopped {
		h.lock.Unlock()
		l.Close()
		return fmt.Errorf("Listen: %w", net.ErrClosed)
	}
	h.listener = l
	h.lock.Unlock()

	h.logger.Printf("listening on %s", l.Addr())
	go h.loop()
	return nil
}

// Addr is the bound listener address, or nil before Listen.
func (h *Hub) Addr() net.Addr {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// loop is the blocking loop that accepts new clients.
func (h *Hub) loop() {
	for {
		if err := h.accept(); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Print(err)
		}
	}
}

// accept starts a session for one client connection.
func (h *Hub) accept() error {
	conn, err := h.listener.Accept()
	if err != nil {
		return err
	}

	raw := conn
	if tc, ok := conn.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}

	id := h.lastID.Add(1)
	h.logger.Printf("got connection id %d from %s", id, conn.RemoteAddr())
	s := newClientSession(h, id, conn)

	h.lock.Lock()
	if h.stopped {
		h.lock.Unlock()
		s.cancel()
		conn.Close()
		return nil
	}
	h.sessions[s] = struct{}{}
	h.lock.Unlock()

	s.enqueueBanner()
	go s.run()
	return nil
}

// Dispatch routes one classified upstream line: it is recorded in the
// replay log when it describes server state, sent to every connected
// session, and queued for every known nickname that is not attached.
// It returns the number of connected sessions.
func (h *Hub) Dispatch(l Line) int {
	h.lock.Lock()
	defer h.lock.Unlock()

	if l.Replayable() {
		h.backlog.AppendReplay(l.Raw)
	}

	online := make(map[string]struct{}, len(h.connected))
	for s := range h.connected {
		online[s.Nick()] = struct{}{}
		s.enqueueLines(l.Raw)
	}

	if l.Bufferable() {
		h.backlog.Buffer(l.Raw, online)
	}
	return len(h.connected)
}

// Distribute sends a line to every connected session.
func (h *Hub) Distribute(line string) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	for s := range h.connected {
		s.enqueueLines(line)
	}
}

// register adds an authenticated session and replays what it missed:
// the shared replay log, then its nickname's queue.
func (h *Hub) register(s *ClientSession) {
	h.lock.Lock()
	if h.stopped {
		h.lock.Unlock()
		return
	}
	h.connected[s] = struct{}{}
	s.enqueueLines(h.backlog.Replay()...)
	queued, _ := h.backlog.Take(s.Nick())
	s.enqueueLines(queued...)
	// The gauge is written under the lock so it cannot lag behind a
	// concurrent remove.
	h.metrics.clients.Set(float64(len(h.connected)))
	h.lock.Unlock()
}

// remove forgets a session. When the last connected session leaves a
// running hub, the upstream nick is marked away.
func (h *Hub) remove(s *ClientSession) {
	h.lock.Lock()
	_, wasConnected := h.connected[s]
	delete(h.connected, s)
	delete(h.sessions, s)
	n := len(h.connected)
	emptied := wasConnected && n == 0 && !h.stopped
	h.metrics.clients.Set(float64(n))
	h.lock.Unlock()

	if emptied && h.upstream != nil {
		if err := h.upstream.Send(fmt.Sprintf("NICK %s afk", h.upstream.Nick())); err != nil {
			h.logger.Printf("setting afk status: %v", err)
		}
	}
}

// forward relays an authenticated client line upstream.
func (h *Hub) forward(line string) error {
	if h.upstream == nil {
		return ErrNotConnected
	}
	return h.upstream.Send(line)
}

// ConnectedCount is the number of authenticated sessions.
func (h *Hub) ConnectedCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.connected)
}

// ConnectedNicks lists the nicknames of authenticated sessions, sorted.
func (h *Hub) ConnectedNicks() []string {
	h.lock.RLock()
	defer h.lock.RUnlock()
	nicks := make([]string, 0, len(h.connected))
	for s := range h.connected {
		nicks = append(nicks, s.Nick())
	}
	slices.Sort(nicks)
	return nicks
}

// Stop tells connected clients the bouncer is going away, closes every
// session once its queue is flushed and stops accepting.
func (h *Hub) Stop() error {
	h.lock.Lock()
	if h.stopped {
		h.lock.Unlock()
		return nil
	}
	h.stopped = true
	goodbye := fmt.Sprintf(":%s 372 bouncer Bouncer is shutting down! Goodbye!", h.serverName)
	for s := range h.connected {
		s.enqueueLines(goodbye)
	}
	clear(h.connected)
	h.metrics.clients.Set(0)
	sessions := make([]*ClientSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	l := h.listener
	h.lock.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}

	if l == nil {
		return nil
	}
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// closeMarker is queued behind the last lines a session must receive.
// The send loop closes the connection when it reaches it.
type closeMarker struct{}

func (closeMarker) Read([]byte) (int, error) {
	return 0, io.EOF
}
