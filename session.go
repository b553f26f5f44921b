package shane

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

var ErrAuthRejected = errors.New("wrong bouncer password")

const (
	maxAuthAttempts    = 3
	clientWriteTimeout = time.Minute
	clientQueueSize    = 64
	defaultClientNick  = "default"
)

type authState int

const (
	stateUnauthenticated authState = iota
	stateAuthenticated
	stateClosed
)

func (s authState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// ClientSession is one downstream client. Until it authenticates it may
// only set its nickname and try the bouncer password; afterwards its
// lines go upstream.
type ClientSession struct {
	id     uint64
	hub    *Hub
	conn   net.Conn
	queue  chan io.Reader
	ctx    context.Context
	cancel context.CancelFunc
	sent   chan struct{}
	logger *log.Logger

	// failures is only touched by the receive loop.
	failures int

	lock  sync.Mutex
	nick  string
	state authState
}

func newClientSession(h *Hub, id uint64, conn net.Conn) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientSession{
		id:     id,
		hub:    h,
		conn:   conn,
		queue:  make(chan io.Reader, clientQueueSize),
		ctx:    ctx,
		cancel: cancel,
		sent:   make(chan struct{}),
		logger: subLogger(h.logger, fmt.Sprintf("client#%d", id)),
		nick:   defaultClientNick,
	}
}

// ID is the accept-order number of the session.
func (s *ClientSession) ID() uint64 {
	return s.id
}

// Nick is the nickname the client claimed.
func (s *ClientSession) Nick() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.nick
}

func (s *ClientSession) setNick(nick string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nick = nick
}

// Authenticated reports whether the session passed the password check
// and is still open.
func (s *ClientSession) Authenticated() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state == stateAuthenticated
}

func (s *ClientSession) setState(state authState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = state
}

// run is the entrypoint for a client. It returns once the client is gone.
func (s *ClientSession) run() {
	go s.sendToClientLoop()
	s.receiveFromClientLoop()

	s.setState(stateClosed)
	s.hub.remove(s)
	s.enqueue(closeMarker{})
	<-s.sent
	s.logger.Print("disconnected")
}

// enqueueBanner sends the greeting every client gets on connect.
func (s *ClientSession) enqueueBanner() {
	name := s.hub.serverName
	s.enqueueLines(
		fmt.Sprintf(":%s 001 newClient Hello! Welcome to Shane!", name),
		fmt.Sprintf(":%s 002 newClient Your host is shanebouncer, running version 1.0", name),
		fmt.Sprintf(":%s 003 newClient Please type /password <pass> OR /msg bouncer <password> to authenticate.", name),
	)
}

// sendToClientLoop writes queued lines to the client. It closes the
// connection on the first failed write or when it reaches a closeMarker.
func (s *ClientSession) sendToClientLoop() {
	defer close(s.sent)
	defer s.cancel()
	defer s.conn.Close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case r := <-s.queue:
			if _, ok := r.(closeMarker); ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if _, err := io.Copy(s.conn, r); err != nil {
				s.logger.Printf("lost connection while writing: %v", err)
				return
			}
		}
	}
}

// enqueue hands a raw chunk to the send loop. The chunk is dropped once
// the session is closed.
func (s *ClientSession) enqueue(r io.Reader) {
	select {
	case <-s.ctx.Done():
	case s.queue <- r:
	}
}

// enqueueLines sends each string as a CRLF delimited IRC line. No
// validity check is performed.
func (s *ClientSession) enqueueLines(msgs ...string) {
	if len(msgs) == 0 {
		return
	}
	rdrs := make([]io.Reader, 2*len(msgs))
	for i, m := range msgs {
		rdrs[2*i] = strings.NewReader(m)
		rdrs[2*i+1] = strings.NewReader("\r\n")
	}
	s.enqueue(io.MultiReader(rdrs...))
}

// shutdown closes the session after everything queued so far is sent.
func (s *ClientSession) shutdown() {
	s.enqueue(closeMarker{})
}

func (s *ClientSession) receiveFromClientLoop() {
	for line, err := range NewLineIterator(s.conn) {
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Printf("lost connection: %v", err)
			}
			return
		}
		if s.hub.debug {
			s.logger.Printf("msg: %s", line)
		}
		if done := s.handle(line); done {
			return
		}
	}
}

// handle processes one client line and reports whether the session is
// over.
func (s *ClientSession) handle(line string) bool {
	msg, _ := ParseLine([]byte(line))
	if !s.Authenticated() {
		return s.handleUnauthenticated(line, msg)
	}

	switch {
	case msg != nil && msg.Command == Command_Part:
		// Clients part their channels when they close. The bouncer
		// stays in them on the user's behalf.
		return false
	case msg != nil && msg.Command == Command_Quit:
		s.logger.Print("client is parting")
		return true
	}

	if err := s.hub.forward(line); err != nil {
		s.logger.Print(err)
	}
	return false
}

func (s *ClientSession) handleUnauthenticated(line string, msg *Message) bool {
	if isAuthAttempt(line, msg) {
		if err := s.authenticate(line); err != nil {
			return s.rejectAuth(err)
		}
		return false
	}

	if msg != nil && msg.Command == Command_Nick && len(msg.Parameters) > 0 {
		s.setNick(msg.Parameters[0])
	}
	return false
}

// isAuthAttempt matches "/password <pass>", "/msg bouncer <pass>" and a
// PASS command.
func isAuthAttempt(line string, msg *Message) bool {
	if msg != nil && msg.Command == Command_Pass {
		return true
	}
	f := fold(line)
	return strings.Contains(f, "password") ||
		(strings.Contains(f, "msg") && strings.Contains(f, "bouncer"))
}

// authenticate looks for the bouncer password among the words of line.
func (s *ClientSession) authenticate(line string) error {
	pw := s.hub.password
	if pw == "" {
		return fmt.Errorf("%w: no password configured", ErrAuthRejected)
	}
	for _, tok := range strings.Fields(line) {
		tok = strings.TrimPrefix(tok, ":")
		if subtle.ConstantTimeCompare([]byte(tok), []byte(pw)) == 1 {
			s.setState(stateAuthenticated)
			nick := s.Nick()
			s.enqueueLines(fmt.Sprintf(":%s 002 %s Thanks for authenticating! You are now connected!", s.hub.serverName, nick))
			s.logger.Printf("authenticated from %s as %q", s.conn.RemoteAddr(), nick)
			s.hub.register(s)
			return nil
		}
	}
	return ErrAuthRejected
}

// rejectAuth answers a failed attempt and reports whether the client is
// out of attempts.
func (s *ClientSession) rejectAuth(err error) bool {
	s.failures++
	s.hub.metrics.authFailures.Inc()
	nick := s.Nick()
	s.enqueueLines(fmt.Sprintf(":%s 372 %s Wrong password! Please try again!", s.hub.serverName, nick))
	if s.failures < maxAuthAttempts {
		s.logger.Printf("auth attempt %d failed: %v", s.failures, err)
		return false
	}
	s.enqueueLines(fmt.Sprintf(":%s 372 %s Too many auth attempts! Goodbye!", s.hub.serverName, nick))
	s.logger.Printf("too many failed authentication attempts from %s, disconnecting", s.conn.RemoteAddr())
	return true
}
