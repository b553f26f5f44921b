package shane

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"
)

var (
	ErrConnect            = errors.New("cannot connect upstream")
	ErrWrite              = errors.New("cannot write upstream")
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("gave up reconnecting")
)

const (
	connectTimeout = 30 * time.Second
	sendBurst      = 8
	quitMessage    = "QUIT :ShaneBouncer shutting down!"
)

// DialFunc opens the raw connection to the upstream network.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Upstream is the single connection to the remote IRC network. It reads
// and classifies every line, hands it to the hub, and reconnects when
// the link drops.
type Upstream struct {
	cfg     NetworkConfig
	afk     string
	hub     *Hub
	backlog *Backlog
	logger  *log.Logger
	debug   bool
	metrics *networkMetrics

	clock   clock.Clock
	limiter *rate.Limiter
	dial    DialFunc
	charset encoding.Encoding

	// lock guards the connection triple and the encoder.
	lock    sync.Mutex
	conn    net.Conn
	reader  io.Reader
	writer  *bufio.Writer
	encoder *encoding.Encoder

	running  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
}

func newUpstream(cfg NetworkConfig, afk string, hub *Hub, backlog *Backlog, o *options, metrics *networkMetrics) (*Upstream, error) {
	u := &Upstream{
		cfg:     cfg,
		afk:     afk,
		hub:     hub,
		backlog: backlog,
		logger:  o.logger,
		debug:   o.debug,
		metrics: metrics,
		clock:   o.clock,
		dial:    o.dial,
		stopped: make(chan struct{}),
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	u.limiter = rate.NewLimiter(limit, sendBurst)

	if name := cfg.Encoding; name != "" && !strings.EqualFold(name, "utf-8") && !strings.EqualFold(name, "utf8") {
		enc, err := htmlindex.Get(name)
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", name, err)
		}
		u.charset = enc
	}

	if u.dial == nil {
		d, err := u.netDialer()
		if err != nil {
			return nil, err
		}
		u.dial = d
	}

	u.running.Store(true)
	return u, nil
}

// netDialer builds the default dialer: TCP, optionally through a proxy,
// optionally wrapped in TLS.
func (u *Upstream) netDialer() (DialFunc, error) {
	base := &net.Dialer{Timeout: connectTimeout, KeepAlive: time.Minute}
	var d proxy.ContextDialer = base
	if u.cfg.Proxy != "" {
		pu, err := url.Parse(u.cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", u.cfg.Proxy, err)
		}
		pd, err := proxy.FromURL(pu, base)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", u.cfg.Proxy, err)
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy %q: dialer does not support contexts", u.cfg.Proxy)
		}
		d = cd
	}

	addr := u.cfg.Addr()
	return func(ctx context.Context) (net.Conn, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if !u.cfg.TLS {
			return conn, nil
		}
		tc := tls.Client(conn, &tls.Config{ServerName: u.cfg.Host})
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tc, nil
	}, nil
}

// Nick is the nickname the bouncer holds on the network.
func (u *Upstream) Nick() string {
	return u.cfg.Nick
}

// Connected reports whether a live connection is held.
func (u *Upstream) Connected() bool {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.conn != nil
}

// Connect dials the network and registers the bouncer's identity. Any
// previous connection is closed first.
func (u *Upstream) Connect(ctx context.Context) error {
	u.closeConn()

	if u.cfg.TLS {
		u.logger.Printf("connecting to %s using TLS", u.cfg.Addr())
	} else {
		u.logger.Printf("connecting to %s", u.cfg.Addr())
	}
	conn, err := u.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, u.cfg.Addr(), err)
	}

	u.lock.Lock()
	if !u.running.Load() {
		u.lock.Unlock()
		conn.Close()
		return fmt.Errorf("%w: stopped", ErrConnect)
	}
	u.conn = conn
	u.reader = conn
	u.writer = bufio.NewWriter(conn)
	u.encoder = nil
	if u.charset != nil {
		u.reader = transform.NewReader(conn, u.charset.NewDecoder())
		u.encoder = encoding.ReplaceUnsupported(u.charset.NewEncoder())
	}
	u.lock.Unlock()

	var handshake []string
	if u.cfg.ServerPassword != "" {
		handshake = append(handshake, "PASS "+u.cfg.ServerPassword)
	}
	handshake = append(handshake,
		"NICK "+u.cfg.Nick,
		fmt.Sprintf("USER shanebouncer 8 * :%s", u.cfg.Nick),
	)
	for _, ch := range u.cfg.Channels {
		handshake = append(handshake, "JOIN "+ch)
	}
	for _, line := range handshake {
		if err := u.write(line); err != nil {
			u.closeConn()
			return fmt.Errorf("%w: handshake: %w", ErrConnect, err)
		}
	}
	return nil
}

// Send writes a client line upstream, subject to the send rate.
func (u *Upstream) Send(line string) error {
	r := u.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("%w: invalid limiter configuration", ErrWrite)
	}
	if d := r.Delay(); d > 0 {
		select {
		case <-u.stopped:
			r.Cancel()
			return fmt.Errorf("%w: %w", ErrWrite, ErrNotConnected)
		case <-u.clock.After(d):
		}
	}
	return u.write(line)
}

// write sends one CRLF terminated line and flushes it.
func (u *Upstream) write(line string) error {
	u.lock.Lock()
	defer u.lock.Unlock()
	if u.writer == nil {
		return fmt.Errorf("%w: %w", ErrWrite, ErrNotConnected)
	}
	if u.encoder != nil {
		encoded, err := u.encoder.String(line)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
		line = encoded
	}
	if _, err := u.writer.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := u.writer.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Run reads the upstream connection until Stop is called or ctx is
// done, reconnecting whenever the link fails. It returns
// ErrReconnectExhausted when a bounded retry policy runs out.
func (u *Upstream) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-u.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	// A blocked read only returns once the socket closes.
	stop := context.AfterFunc(ctx, func() { u.Stop() })
	defer stop()

	for {
		if r := u.currentReader(); r != nil {
			err := u.readLoop(r)
			if !u.running.Load() || ctx.Err() != nil {
				return nil
			}
			u.logger.Printf("lost connection to %s: %v", u.cfg.Addr(), err)
			u.metrics.reconnects.Inc()
			u.closeConn()
			u.backlog.ClearReplay()
			u.metrics.replayLines.Set(0)
			u.logger.Print("attempting to reconnect...")
		}

		if err := u.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// reconnect dials until it succeeds, waiting the configured delay
// between attempts.
func (u *Upstream) reconnect(ctx context.Context) error {
	delay := u.cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	for attempt := 1; ; attempt++ {
		err := u.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if limit := u.cfg.ReconnectAttempts; limit > 0 && attempt >= limit {
			u.logger.Printf("%v, giving up after %d attempts", err, attempt)
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}
		u.logger.Printf("%v, sleeping for %s and trying again", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.clock.After(delay):
		}
	}
}

func (u *Upstream) currentReader() io.Reader {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.reader
}

func (u *Upstream) readLoop(r io.Reader) error {
	skipped := func(n int) {
		u.metrics.longLines.Inc()
		u.logger.Printf("dropped a %d byte line from %s", n, u.cfg.Addr())
	}
	for line, err := range NewSkippingLineIterator(r, skipped) {
		if err != nil {
			return err
		}
		u.handle(line)
	}
	return io.EOF
}

// handle classifies one upstream line and routes it.
func (u *Upstream) handle(raw string) {
	u.metrics.upstreamLines.Inc()
	l := ClassifyLine(raw)
	if l.Kind == LinePing {
		if err := u.write(strings.TrimSpace("PONG " + l.PingArg)); err != nil {
			u.logger.Print(err)
		}
		return
	}
	if u.debug {
		u.logger.Printf("[msg] %s", raw)
	}

	online := u.hub.Dispatch(l)
	if l.Replayable() {
		u.metrics.replayLines.Set(float64(u.backlog.ReplayLen()))
	}

	if online == 0 && l.Sender != "" && u.afk != "" && l.Mentions(u.cfg.Nick) {
		u.replyAFK(l.Sender)
	}
}

// replyAFK answers a mention while nobody is attached. It runs on the
// read loop, so a reply over the send rate is dropped rather than
// waited for.
func (u *Upstream) replyAFK(to string) {
	if !u.limiter.Allow() {
		u.metrics.afkDropped.Inc()
		if u.debug {
			u.logger.Printf("rate limited, not answering %s", to)
		}
		return
	}
	if err := u.write(fmt.Sprintf("PRIVMSG %s :%s", to, u.afk)); err != nil {
		u.logger.Print(err)
	}
}

// Stop sends a QUIT and closes the connection. The read loop and any
// pending reconnect end.
func (u *Upstream) Stop() error {
	var err error
	u.stopOnce.Do(func() {
		u.running.Store(false)
		// QUIT goes out before Run is woken, since Run closes the socket.
		if werr := u.write(quitMessage); werr != nil && !errors.Is(werr, ErrNotConnected) {
			err = werr
		}
		close(u.stopped)
		err = multierr.Append(err, u.closeConn())
	})
	return err
}

func (u *Upstream) closeConn() error {
	u.lock.Lock()
	defer u.lock.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	u.reader = nil
	u.writer = nil
	u.encoder = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
