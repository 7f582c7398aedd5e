package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brieflyhq/briefly/internal/logging"
	"github.com/brieflyhq/briefly/internal/metrics"
)

// State is the lifecycle state of the store connection.
type State int32

const (
	StateDisconnected State = iota // Not connected yet, or shut down
	StateConnecting                // First connect in progress
	StateReady                     // Connected; primitives talk to the store
	StateReconnecting              // Connection lost; reconnect loop running
	StateFailed                    // Reconnect budget spent; terminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReconnectPolicy controls how a lost connection is re-established.
// Attempt n (1-based) waits min(n*Step, MaxDelay) before dialing; once n
// exceeds MaxAttempts the manager gives up for good.
type ReconnectPolicy struct {
	MaxAttempts    int
	Step           time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration // bound on every connection attempt
}

// DefaultReconnectPolicy returns 10 attempts, 100ms step, 3s cap and a 10s
// connect timeout.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    10,
		Step:           100 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(attempt) * p.Step
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Step <= 0 {
		p.Step = def.Step
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = def.ConnectTimeout
	}
	return p
}

// Options configures the store connection.
type Options struct {
	URL          string // redis://[:password@]host:port[/db]; wins over Addr when set
	Addr         string // host:port
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int // per-command retries inside go-redis; 0 keeps the client default
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Policy       ReconnectPolicy
}

func (o Options) redisOptions() (*redis.Options, error) {
	var ropts *redis.Options
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ropts = parsed
	} else {
		if o.Addr == "" {
			return nil, errors.New("redis address is required")
		}
		ropts = &redis.Options{
			Addr:     o.Addr,
			Password: o.Password,
			DB:       o.DB,
		}
	}
	ropts.DialTimeout = o.Policy.withDefaults().ConnectTimeout
	if o.PoolSize > 0 {
		ropts.PoolSize = o.PoolSize
	}
	if o.MaxRetries != 0 {
		ropts.MaxRetries = o.MaxRetries
	}
	if o.ReadTimeout > 0 {
		ropts.ReadTimeout = o.ReadTimeout
	}
	if o.WriteTimeout > 0 {
		ropts.WriteTimeout = o.WriteTimeout
	}
	return ropts, nil
}

// ConnectionManager owns the single process-wide connection to the cache
// store. It is built once by process setup and handed to every component
// that needs the cache; only the manager mutates connection state.
type ConnectionManager struct {
	client *redis.Client
	policy ReconnectPolicy
	log    *slog.Logger

	state    atomic.Int32
	attempts atomic.Int32
	closed   atomic.Bool

	mu        sync.Mutex
	observers []func(from, to State)

	// lifetime of reconnect loops, cancelled by Disconnect. loopMu orders
	// wg.Add in startReconnect against the closed flag and wg.Wait.
	loopMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ping  func(ctx context.Context) error
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConnectionManager builds a manager and its Redis client. No network
// I/O happens until Connect.
func NewConnectionManager(opts Options) (*ConnectionManager, error) {
	ropts, err := opts.redisOptions()
	if err != nil {
		return nil, err
	}
	return NewConnectionManagerFromClient(redis.NewClient(ropts), opts.Policy), nil
}

// NewConnectionManagerFromClient wraps an existing client. The manager
// installs a hook on the client to notice dropped connections and takes
// ownership of closing it.
func NewConnectionManagerFromClient(client *redis.Client, policy ReconnectPolicy) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		client: client,
		policy: policy.withDefaults(),
		log:    logging.Component("cache"),
		ctx:    ctx,
		cancel: cancel,
	}
	m.ping = func(ctx context.Context) error {
		return m.client.Ping(ctx).Err()
	}
	m.sleep = sleepContext
	client.AddHook(connectionHook{m: m})
	return m
}

// Connect establishes the connection. It is a no-op unless the manager is
// Disconnected. A failed attempt is logged, never returned: the reconnect
// policy takes over and the host keeps running without a cache.
func (m *ConnectionManager) Connect(ctx context.Context) {
	if m.closed.Load() {
		m.log.Warn("cache store connect ignored after disconnect")
		return
	}
	if !m.transition(StateDisconnected, StateConnecting) {
		return
	}

	if err := m.dial(ctx); err != nil {
		m.log.Error("cache store connect failed, continuing without cache", "error", err)
		if m.transition(StateConnecting, StateReconnecting) {
			m.startReconnect()
		}
		return
	}

	m.attempts.Store(0)
	if m.transition(StateConnecting, StateReady) {
		m.log.Info("cache store connected")
	}
}

// IsAvailable reports whether primitives may talk to the store right now.
// It never blocks.
func (m *ConnectionManager) IsAvailable() bool {
	return !m.closed.Load() && m.State() == StateReady
}

// State returns the current connection state.
func (m *ConnectionManager) State() State {
	return State(m.state.Load())
}

// Client exposes the underlying client to the store primitives.
func (m *ConnectionManager) Client() redis.Cmdable {
	return m.client
}

// OnStateChange registers fn to be called after every state transition.
// Observers run synchronously on the goroutine making the transition and
// must not block.
func (m *ConnectionManager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Disconnect stops any reconnect loop and closes the client. It is
// idempotent and never fails; close errors are logged.
func (m *ConnectionManager) Disconnect() {
	m.loopMu.Lock()
	if !m.closed.CompareAndSwap(false, true) {
		m.loopMu.Unlock()
		return
	}
	m.cancel()
	m.loopMu.Unlock()
	m.wg.Wait()

	m.setState(StateDisconnected)
	if err := m.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		m.log.Error("cache store disconnect failed", "error", err)
		return
	}
	m.log.Info("cache store disconnected")
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.policy.ConnectTimeout)
	defer cancel()
	if err := m.ping(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: connect exceeded %s", ErrTimeout, m.policy.ConnectTimeout)
		}
		return err
	}
	return nil
}

// startReconnect launches the reconnect loop unless Disconnect has begun.
func (m *ConnectionManager) startReconnect() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.closed.Load() {
		return
	}
	m.wg.Add(1)
	go m.reconnectLoop()
}

func (m *ConnectionManager) reconnectLoop() {
	defer m.wg.Done()

	for {
		attempt := int(m.attempts.Add(1))
		if attempt > m.policy.MaxAttempts {
			m.log.Error("cache store reconnect attempts exhausted, caching disabled",
				"attempts", attempt-1, "error", ErrReconnectExhausted)
			m.transition(StateReconnecting, StateFailed)
			return
		}

		delay := m.policy.Delay(attempt)
		m.log.Info("cache store reconnecting", "attempt", attempt, "delay", delay)
		metrics.RecordReconnectAttempt()

		if err := m.sleep(m.ctx, delay); err != nil {
			return
		}
		if err := m.dial(m.ctx); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if isPoolSaturated(err) {
				// The server answered other callers; this attempt does not count.
				m.attempts.Add(-1)
				m.log.Debug("cache store reconnect ping waited on a busy pool", "attempt", attempt)
				continue
			}
			m.log.Warn("cache store reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		m.attempts.Store(0)
		if m.transition(StateReconnecting, StateReady) {
			m.log.Info("cache store reconnected", "attempt", attempt)
		}
		return
	}
}

// connectionLost is called by the client hook when a command fails at the
// transport level. Only a Ready connection starts a reconnect loop; the
// loop itself owns the connection while Connecting or Reconnecting.
func (m *ConnectionManager) connectionLost(err error) {
	if m.closed.Load() {
		return
	}
	if m.transition(StateReady, StateReconnecting) {
		m.log.Warn("cache store connection lost", "error", err)
		m.startReconnect()
	}
}

func (m *ConnectionManager) transition(from, to State) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.notify(from, to)
	return true
}

func (m *ConnectionManager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from != to {
		m.notify(from, to)
	}
}

func (m *ConnectionManager) notify(from, to State) {
	m.log.Debug("cache store state change", "from", from.String(), "to", to.String())
	metrics.SetConnectionState(int(to))

	m.mu.Lock()
	observers := make([]func(from, to State), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
}

// isConnectionError reports whether err means the transport is unusable, as
// opposed to a miss, a server-side error reply, a saturated local pool or
// the caller giving up.
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isPoolSaturated(err) {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

// isPoolSaturated reports whether err came from waiting on the client's own
// connection pool rather than from the server.
func isPoolSaturated(err error) bool {
	return errors.Is(err, redis.ErrPoolTimeout) || errors.Is(err, redis.ErrPoolExhausted)
}

// connectionHook watches command outcomes on the shared client.
type connectionHook struct {
	m *ConnectionManager
}

func (h connectionHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h connectionHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if isConnectionError(err) {
			h.m.connectionLost(err)
		}
		return err
	}
}

func (h connectionHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if isConnectionError(err) {
			h.m.connectionLost(err)
		}
		return err
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
