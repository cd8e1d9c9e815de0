// Package idle locks the vault after a period without user activity, or
// when the operating system locks the screen or suspends.
package idle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forest6511/sentinel/internal/clock"
)

// DefaultThreshold is the idle time after which the vault locks.
const DefaultThreshold = 5 * time.Minute

// Reason says what caused a lock.
type Reason string

const (
	ReasonIdle       Reason = "idle"
	ReasonScreenLock Reason = "screen-lock"
	ReasonSuspend    Reason = "suspend"
)

// LockFunc is called when the vault must lock.
type LockFunc func(reason Reason)

// SignalSource reports OS lock events until ctx is done.
type SignalSource interface {
	Watch(ctx context.Context, fn func(Reason)) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving the countdown.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithThreshold sets the idle threshold. Zero or negative disables the
// countdown; OS signals still lock.
func WithThreshold(d time.Duration) Option {
	return func(m *Manager) { m.threshold = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSignalSource sets the OS signal source. Nil disables OS signals.
func WithSignalSource(s SignalSource) Option {
	return func(m *Manager) { m.signals = s }
}

// Manager runs a single idle countdown. Each RecordActivity replaces the
// pending countdown; a countdown that was replaced never fires.
type Manager struct {
	onLock    LockFunc
	clock     clock.Clock
	logger    zerolog.Logger
	signals   SignalSource
	mu        sync.Mutex
	threshold time.Duration
	running   bool
	armed     bool
	gen       uint64
	timer     *clock.Timer
	last      time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New returns a stopped Manager that calls onLock.
func New(onLock LockFunc, opts ...Option) *Manager {
	m := &Manager{
		onLock:    onLock,
		clock:     clock.Real(),
		logger:    zerolog.Nop(),
		signals:   DefaultSignalSource(),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start arms the countdown and begins watching OS signals.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.last = m.clock.Now()
	m.armLocked()

	if m.signals == nil {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.signals.Watch(watchCtx, m.LockNow); err != nil {
			m.logger.Warn().Err(err).Msg("OS lock signals unavailable")
		}
	}()
}

// Stop disarms the countdown and stops watching OS signals.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.disarmLocked()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// RecordActivity restarts the countdown.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = m.clock.Now()
	if m.running {
		m.armLocked()
	}
}

// SetThreshold changes the idle threshold and restarts the countdown.
func (m *Manager) SetThreshold(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = d
	if m.running {
		m.armLocked()
	}
}

// Threshold returns the current idle threshold.
func (m *Manager) Threshold() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// LastActivity returns the time of the last recorded activity.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// LockNow locks immediately and disarms the countdown until the next activity.
func (m *Manager) LockNow(reason Reason) {
	m.mu.Lock()
	m.disarmLocked()
	m.mu.Unlock()
	m.fire(reason)
}

func (m *Manager) armLocked() {
	m.disarmLocked()
	if m.threshold <= 0 {
		return
	}
	gen := m.gen
	m.armed = true
	m.timer = m.clock.AfterFunc(m.threshold, func() { m.expire(gen) })
}

// disarmLocked stops the pending countdown. Bumping gen also defeats a
// callback that already left the timer but has not taken the lock yet.
func (m *Manager) disarmLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.armed = false
	m.gen++
}

func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	if !m.running || !m.armed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.armed = false
	m.timer = nil
	m.mu.Unlock()

	m.fire(ReasonIdle)
}

func (m *Manager) fire(reason Reason) {
	m.logger.Info().Str("reason", string(reason)).Msg("locking vault")
	if m.onLock != nil {
		m.onLock(reason)
	}
}
