package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bloops-games/rapbattle/internal/logging"
	"github.com/valyala/fastrand"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualityOf buckets a round-trip latency.
func QualityOf(rtt time.Duration) Quality {
	switch {
	case rtt <= 0:
		return QualityUnknown
	case rtt < 100*time.Millisecond:
		return QualityExcellent
	case rtt < 300*time.Millisecond:
		return QualityGood
	case rtt < 600*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Transport is one live connection.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type Config struct {
	BaseDelay         time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"1s"`
	MaxDelay          time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`
	MaxAttempts       int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"5s"`
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	return c
}

// Backoff returns the delay before reconnect attempt n (1-based): exponential
// from the base delay, capped, with jitter in the upper half of the interval.
func (c Config) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := c.BaseDelay
	for i := 1; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	jitter := time.Duration(fastrand.Uint32n(uint32(half/time.Millisecond)+1)) * time.Millisecond
	return half + jitter
}

// ewmaWeight is the share of a new RTT sample in the latency estimate.
const ewmaWeight = 0.3

// Manager keeps one transport alive. It never surfaces connectivity errors;
// callers observe State through listeners and decide what to show.
type Manager struct {
	mtx sync.RWMutex

	cfg       Config
	dialer    Dialer
	state     State
	attempts  int
	latency   time.Duration
	listeners []func(State)
	onMessage func([]byte)
	onResync  func(ctx context.Context)

	retryCh chan struct{}
	cancel  func()
	done    chan struct{}
	started atomic.Bool
	sema    sync.Once
}

func NewManager(cfg Config, dialer Dialer) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		state:   StateDisconnected,
		retryCh: make(chan struct{}, 1),
		cancel:  func() {},
		done:    make(chan struct{}),
	}
}

// OnState registers a listener called on every state change, from the manager goroutine.
func (m *Manager) OnState(fn func(State)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) OnMessage(fn func([]byte)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.onMessage = fn
}

// OnResync registers the hook run after every reconnect, before messages flow again.
func (m *Manager) OnResync(fn func(ctx context.Context)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.onResync = fn
}

func (m *Manager) State() State {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.state
}

func (m *Manager) Latency() time.Duration {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.latency
}

func (m *Manager) Quality() Quality {
	return QualityOf(m.Latency())
}

func (m *Manager) Attempts() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.attempts
}

func (m *Manager) Start(ctx context.Context) {
	m.sema.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.mtx.Lock()
		m.cancel = cancel
		m.mtx.Unlock()
		m.started.Store(true)
		go m.loop(ctx)
	})
}

// Retry restarts connecting after the manager gave up.
func (m *Manager) Retry() {
	select {
	case m.retryCh <- struct{}{}:
	default:
	}
}

// Close stops the manager and waits for the transport to close.
func (m *Manager) Close() {
	m.mtx.RLock()
	cancel := m.cancel
	m.mtx.RUnlock()
	cancel()

	if m.started.Load() {
		<-m.done
	}
	m.setState(StateDisconnected)
}

func (m *Manager) loop(ctx context.Context) {
	logger := logging.FromContext(ctx).Named("conn.loop")
	defer close(m.done)

	m.setState(StateConnecting)
	connectedOnce := false

	for {
		t, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			attempt := m.failedAttempt()
			logger.Debugf("dial attempt %d: %v", attempt, err)

			if attempt >= m.cfg.MaxAttempts {
				m.setState(StateFailed)
				select {
				case <-ctx.Done():
					return
				case <-m.retryCh:
				}
				m.resetAttempts()
				m.setState(StateConnecting)
				continue
			}

			if connectedOnce {
				m.setState(StateReconnecting)
			}
			if !sleep(ctx, m.cfg.Backoff(attempt)) {
				return
			}
			continue
		}

		m.resetAttempts()
		m.setState(StateConnected)

		if connectedOnce {
			m.mtx.RLock()
			resync := m.onResync
			m.mtx.RUnlock()
			if resync != nil {
				resync(ctx)
			}
		}
		connectedOnce = true

		err = m.serve(ctx, t)
		_ = t.Close()
		if ctx.Err() != nil {
			return
		}

		logger.Infof("connection lost: %v", err)
		m.setState(StateReconnecting)
	}
}

// serve pumps messages and heartbeats until either fails.
func (m *Manager) serve(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		for {
			data, err := t.Read(ctx)
			if err != nil {
				errCh <- err
				return
			}
			m.mtx.RLock()
			fn := m.onMessage
			m.mtx.RUnlock()
			if fn != nil {
				fn(data)
			}
		}
	}()

	go func() {
		if err := m.sample(ctx, t); err != nil {
			errCh <- err
			return
		}

		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.sample(ctx, t); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// sample pings the transport and folds the round trip into the latency estimate.
func (m *Manager) sample(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
	defer cancel()

	start := time.Now()
	if err := t.Ping(ctx); err != nil {
		return err
	}
	rtt := time.Since(start)

	m.mtx.Lock()
	if m.latency == 0 {
		m.latency = rtt
	} else {
		m.latency = time.Duration(ewmaWeight*float64(rtt) + (1-ewmaWeight)*float64(m.latency))
	}
	m.mtx.Unlock()

	return nil
}

func (m *Manager) failedAttempt() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.attempts++
	return m.attempts
}

func (m *Manager) resetAttempts() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.attempts = 0
}

func (m *Manager) setState(s State) {
	m.mtx.Lock()
	if m.state == s {
		m.mtx.Unlock()
		return
	}
	m.state = s
	listeners := append([]func(State){}, m.listeners...)
	m.mtx.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
