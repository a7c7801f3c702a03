// Package connection owns the single logical transport between the chat
// client and the relay. It handles:
//   - Connecting with a bearer token and the local username
//   - Reporting every state transition to a StateListener
//   - Automatic reconnection with linear backoff + jitter after a drop
//   - Handing the live Conn to a SessionHandler that (re)subscribes topics
//
// A failed initial Connect returns its error and leaves the manager
// DISCONNECTED. Only a drop of an established session enters the reconnect
// loop. Authentication failures are terminal and are never retried.
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/arkeep-io/parley/internal/metrics"
	"github.com/arkeep-io/parley/internal/protocol"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 5 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Config holds the reconnect policy.
type Config struct {
	// MaxAttempts is the number of reconnect attempts made after a drop
	// before giving up. Defaults to 5.
	MaxAttempts int

	// BaseDelay is multiplied by the attempt number: attempt n waits
	// n*BaseDelay. Defaults to 5s.
	BaseDelay time.Duration

	// MaxDelay caps the per-attempt delay. Defaults to 30s.
	MaxDelay time.Duration

	// Jitter adds up to ±Jitter (a fraction, 0..1) random perturbation to
	// each delay so many clients dropped together do not reconnect in step.
	Jitter float64

	// DialTimeout bounds one dial, including the subscribe handshake.
	// Defaults to 10s.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// SessionHandler receives the lifecycle of each transport session.
//
// Established is called after every successful dial, before the manager
// reports CONNECTED; an error aborts that dial. HandleFrame receives every
// decoded inbound frame except ERROR, which the manager logs. Closed is
// called once per session when it ends, for any reason.
type SessionHandler interface {
	Established(conn Conn, username string) error
	HandleFrame(f protocol.Frame)
	Closed()
}

// StateListener receives every connection state transition in order.
type StateListener interface {
	PublishState(s Status)
}

// Manager maintains the transport to the relay on behalf of one user.
type Manager struct {
	cfg      Config
	dialer   Dialer
	handler  SessionHandler
	listener StateListener
	metrics  *metrics.Client
	logger   *zap.Logger

	// mu protects everything below; conn and cancel are replaced on every
	// session.
	mu       sync.Mutex
	state    State
	attempt  int
	lastErr  error
	conn     Conn
	username string
	tokens   oauth2.TokenSource
	cancel   context.CancelFunc

	// gen identifies the current session. Disconnect and Connect bump it so
	// that a session goroutine still unwinding can no longer deliver.
	gen atomic.Uint64

	// cbMu serializes callbacks into handler and listener. Disconnect takes
	// it, so no callback starts or is still running after Disconnect returns.
	// cbOwner is the id of the goroutine holding cbMu, or 0; only that
	// goroutine may re-enter the fence without waiting.
	cbMu    sync.Mutex
	cbOwner atomic.Uint64
}

// New creates a Manager. handler and dialer are required; listener and m
// may be nil.
func New(cfg Config, dialer Dialer, handler SessionHandler, listener StateListener, m *metrics.Client, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		handler:  handler,
		listener: listener,
		metrics:  m,
		logger:   logger.Named("connection"),
	}
}

// Connect establishes the transport for username using a static bearer
// token. It is a no-op while a connection for the same user is connecting,
// connected or reconnecting.
func (m *Manager) Connect(ctx context.Context, token, username string) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	return m.ConnectWithTokenSource(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), username)
}

// ConnectWithTokenSource is like Connect but asks ts for a token on every
// dial, so a refreshing source keeps reconnects authenticated.
func (m *Manager) ConnectWithTokenSource(ctx context.Context, ts oauth2.TokenSource, username string) error {
	if ts == nil {
		return ErrMissingToken
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrMissingUsername
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		current := m.username
		m.mu.Unlock()
		if current != username {
			return ErrUserMismatch
		}
		return nil
	}
	gen := m.gen.Add(1)
	runCtx, cancel := context.WithCancel(context.Background())
	m.state = StateConnecting
	m.attempt = 0
	m.lastErr = nil
	m.username = username
	m.tokens = ts
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("connecting", zap.String("username", username))
	m.deliver(gen, func() { m.publish(Status{State: StateConnecting}) })

	conn, err := m.establish(ctx, runCtx, username, ts)
	if err != nil {
		m.mu.Lock()
		current := m.gen.Load() == gen
		if current {
			m.state = StateDisconnected
			m.lastErr = err
			m.cancel = nil
		}
		m.mu.Unlock()
		cancel()

		if !current {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		m.logger.Warn("connect failed", zap.String("username", username), zap.Error(err))
		m.deliver(gen, func() { m.publish(Status{State: StateDisconnected, Err: err}) })
		return err
	}

	m.mu.Lock()
	if m.gen.Load() != gen {
		m.mu.Unlock()
		conn.Close()
		m.fenced(m.handler.Closed)
		return ErrClosed
	}
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("username", username))
	m.deliver(gen, func() { m.publish(Status{State: StateConnected}) })

	go m.run(runCtx, gen, conn, username, ts)
	return nil
}

// Disconnect closes the transport and stops any reconnect in progress. After
// it returns no further frame or state callbacks are delivered for the
// session it closed. Calling it while already disconnected is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && m.cancel == nil {
		m.mu.Unlock()
		return
	}
	gen := m.gen.Add(1)
	cancel, conn := m.cancel, m.conn
	m.state = StateDisconnected
	m.attempt = 0
	m.lastErr = nil
	m.cancel = nil
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	m.logger.Info("disconnected")
	m.deliver(gen, func() {
		m.handler.Closed()
		m.publish(Status{State: StateDisconnected})
	})
}

// Publish sends body to destination over the live transport. It fails with
// ErrNotConnected unless the manager is CONNECTED; nothing is queued.
func (m *Manager) Publish(destination string, body any) error {
	m.mu.Lock()
	state, conn := m.state, m.conn
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	f, err := protocol.Send(destination, body)
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(f); err != nil {
		return fmt.Errorf("connection: publish to %s: %w", destination, err)
	}
	return nil
}

// Status returns the current state. Err is set when the last connection
// ended in a terminal failure.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{State: m.state}
	if m.state == StateReconnecting {
		s.Attempt = m.attempt
	}
	if m.state == StateDisconnected {
		s.Err = m.lastErr
	}
	return s
}

// Username returns the user the manager is (or was last) connected as.
func (m *Manager) Username() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username
}

// establish dials once and hands the new connection to the session handler.
// The dial is aborted when either ctx or runCtx is cancelled.
func (m *Manager) establish(ctx, runCtx context.Context, username string, ts oauth2.TokenSource) (Conn, error) {
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: token source: %v", ErrAuthRejected, err)
	}
	if !tok.Valid() {
		return nil, fmt.Errorf("%w: token is empty or expired", ErrAuthRejected)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	conn, err := m.dialer.Dial(dialCtx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if err := m.handler.Established(conn, username); err != nil {
		conn.Close()
		m.fenced(m.handler.Closed)
		return nil, fmt.Errorf("connection: subscribe: %w", err)
	}
	return conn, nil
}

// run owns one logical connection until Disconnect or a terminal failure.
func (m *Manager) run(ctx context.Context, gen uint64, conn Conn, username string, ts oauth2.TokenSource) {
	for {
		err := m.readLoop(gen, conn)
		conn.Close()
		if ctx.Err() != nil || m.gen.Load() != gen {
			return
		}

		m.logger.Warn("transport dropped", zap.Error(err))
		m.deliver(gen, m.handler.Closed)

		next, ok := m.reconnect(ctx, gen, username, ts)
		if !ok {
			return
		}
		conn = next
	}
}

// readLoop delivers frames until the transport fails. Malformed frames and
// ERROR frames are logged and dropped without ending the session. The relay
// closes the socket after a protocol violation, which ends the session here
// as a drop.
func (m *Manager) readLoop(gen uint64, conn Conn) error {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				m.logger.Warn("dropping malformed frame", zap.Error(err), zap.String("raw", de.Raw))
				m.metrics.Dropped("malformed")
				continue
			}
			return err
		}

		if f.Command == protocol.CmdError {
			m.logger.Warn("relay rejected a frame", zap.String("message", f.Message))
			m.metrics.Dropped("rejected")
			continue
		}

		if !m.deliver(gen, func() { m.handler.HandleFrame(f) }) {
			return ErrClosed
		}
	}
}

// reconnect runs the RECONNECTING(1..max) sequence. It returns the new
// connection, or false when the session is over: Disconnect was called, or
// the attempts were exhausted and the terminal status was delivered.
func (m *Manager) reconnect(ctx context.Context, gen uint64, username string, ts oauth2.TokenSource) (Conn, bool) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		if !m.transition(gen, Status{State: StateReconnecting, Attempt: attempt}) {
			return nil, false
		}
		m.metrics.ReconnectAttempt()

		delay := m.delay(attempt)
		m.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := m.establish(ctx, ctx, username, ts)
		if err == nil {
			m.mu.Lock()
			if m.gen.Load() != gen {
				m.mu.Unlock()
				conn.Close()
				m.fenced(m.handler.Closed)
				return nil, false
			}
			m.conn = conn
			m.mu.Unlock()

			if !m.transition(gen, Status{State: StateConnected}) {
				conn.Close()
				return nil, false
			}
			m.logger.Info("reconnected", zap.Int("attempt", attempt))
			return conn, true
		}

		if ctx.Err() != nil {
			return nil, false
		}
		lastErr = err
		m.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, ErrAuthRejected) {
			break
		}
	}

	terminal := fmt.Errorf("%w after %d attempts: %w", ErrConnectionLost, attempts, lastErr)
	if m.transition(gen, Status{State: StateDisconnected, Err: terminal}) {
		m.logger.Error("giving up on connection", zap.Error(terminal))
	}
	return nil, false
}

// transition records s as the current state of session gen and delivers it.
// The state change happens inside the callback fence so a concurrent
// Disconnect either sees it or suppresses it.
func (m *Manager) transition(gen uint64, s Status) bool {
	return m.deliver(gen, func() {
		m.mu.Lock()
		m.state = s.State
		m.attempt = s.Attempt
		if s.State == StateDisconnected {
			m.lastErr = s.Err
			m.conn = nil
			if m.cancel != nil {
				m.cancel()
				m.cancel = nil
			}
		}
		m.mu.Unlock()
		m.publish(s)
	})
}

// deliver runs fn if gen is still the current session. Callbacks never
// overlap. A listener that calls back into the manager (e.g. Disconnect from
// a state callback) runs inline instead of waiting on itself; any other
// goroutine waits for the running callback to return.
func (m *Manager) deliver(gen uint64, fn func()) bool {
	ran := false
	m.fenced(func() {
		if m.gen.Load() != gen {
			return
		}
		fn()
		ran = true
	})
	return ran
}

// fenced runs fn inside the callback fence.
func (m *Manager) fenced(fn func()) {
	id := goroutineID()
	if m.cbOwner.Load() == id {
		fn()
		return
	}

	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.cbOwner.Store(id)
	defer m.cbOwner.Store(0)
	fn()
}

// goroutineID returns the runtime id of the calling goroutine, parsed from
// the "goroutine N [status]:" header of its stack trace.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

func (m *Manager) publish(s Status) {
	m.metrics.SetState(int(s.State))
	if m.listener != nil {
		m.listener.PublishState(s)
	}
}

// delay returns the wait before reconnect attempt n: n*BaseDelay, capped at
// MaxDelay, with jitter.
func (m *Manager) delay(attempt int) time.Duration {
	d := m.cfg.BaseDelay * time.Duration(attempt)
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	return jitter(d, m.cfg.Jitter)
}

// jitter adds a random ±fraction perturbation to d.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction == 0 {
		return d
	}
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
