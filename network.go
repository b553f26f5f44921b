package shane

import (
	"context"
	"log"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

type options struct {
	logger  *log.Logger
	debug   bool
	clock   clock.Clock
	dial    DialFunc
	metrics *Metrics
}

// Option customizes a Network.
type Option func(*options)

// WithLogger sets the parent logger. Each network logs under its own
// prefix.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock replaces the clock used for reconnect backoff.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithDialer replaces how the upstream connection is opened.
func WithDialer(d DialFunc) Option {
	return func(o *options) {
		o.dial = d
	}
}

// WithMetrics reports the network into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// subLogger returns a logger writing to the same place as parent with
// name appended to its prefix.
func subLogger(parent *log.Logger, name string) *log.Logger {
	return log.New(parent.Writer(), parent.Prefix()+"["+name+"] ", parent.Flags())
}

// Network is one upstream IRC network together with the bouncer port
// its clients attach to.
type Network struct {
	name    string
	cfg     NetworkConfig
	backlog *Backlog
	hub     *Hub
	up      *Upstream
	logger  *log.Logger

	stopOnce sync.Once
	stopErr  error
}

// Stats is a point in time view of a network.
type Stats struct {
	Name        string
	Addr        string
	Connected   bool
	Clients     []string
	ReplayLines int
	Queued      map[string]int
}

// NewNetwork wires the backlog, hub and upstream of one network. Nothing
// is dialled or bound until Listen or Run.
func NewNetwork(cfg *Config, nc NetworkConfig, opts ...Option) (*Network, error) {
	o := &options{
		logger: log.Default(),
		debug:  cfg.Debug,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	parent := o.logger
	o.logger = subLogger(parent, nc.Name)

	tlsConfig, err := cfg.ListenerTLS()
	if err != nil {
		return nil, err
	}

	nm := o.metrics.forNetwork(nc.Name)
	backlog := NewBacklog()
	hub := newHub(nc.Name, cfg, tlsConfig, backlog, o.logger, o.debug, nm)
	up, err := newUpstream(nc, cfg.AFKMessage, hub, backlog, o, nm)
	if err != nil {
		return nil, err
	}
	hub.attach(up)

	return &Network{
		name:    nc.Name,
		cfg:     nc,
		backlog: backlog,
		hub:     hub,
		up:      up,
		logger:  o.logger,
	}, nil
}

// Name is the network's configured name.
func (n *Network) Name() string {
	return n.name
}

// Listen binds the client port.
func (n *Network) Listen(ctx context.Context) error {
	return n.hub.Listen(ctx, n.cfg.ListenAddr())
}

// Addr is the bound client address, or nil before Listen.
func (n *Network) Addr() net.Addr {
	return n.hub.Addr()
}

// Run listens for clients if that has not happened yet and then keeps
// the upstream connection alive until ctx is done or Stop is called.
func (n *Network) Run(ctx context.Context) error {
	if n.hub.Addr() == nil {
		if err := n.Listen(ctx); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { n.Stop() })
	defer stop()

	if err := n.up.Run(ctx); err != nil {
		n.logger.Print(err)
		return multierr.Append(err, n.Stop())
	}
	return nil
}

// Stop disconnects from the network and all clients. It is safe to call
// more than once.
func (n *Network) Stop() error {
	n.stopOnce.Do(func() {
		n.logger.Print("stopping")
		n.stopErr = multierr.Combine(n.up.Stop(), n.hub.Stop())
	})
	return n.stopErr
}

// Stats reports the network's current state.
func (n *Network) Stats() Stats {
	st := Stats{
		Name:        n.name,
		Connected:   n.up.Connected(),
		Clients:     n.hub.ConnectedNicks(),
		ReplayLines: n.backlog.ReplayLen(),
		Queued:      n.backlog.QueueSizes(),
	}
	if a := n.hub.Addr(); a != nil {
		st.Addr = a.String()
	}
	return st
}
