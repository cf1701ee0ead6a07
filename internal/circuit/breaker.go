// Package circuit implements a circuit breaker wrapping NFI transport
// calls: a remote server that starts failing trips the breaker open so
// subsequent callers fail fast instead of blocking on a dead connection,
// rather than retrying a socket that is never coming back.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls trip/reset behavior.
type Config struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from, to State)
}

// Counts tracks request outcomes within the current window.
type Counts struct {
	Requests             uint32
	TotalFailures         uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

var (
	// ErrOpen is returned when the breaker is open and rejects a call.
	ErrOpen = errors.New("circuit breaker open: server unreachable")
	// ErrTooManyRequests is returned when the half-open trial quota is spent.
	ErrTooManyRequests = errors.New("circuit breaker half-open: too many requests")
)

func defaultReadyToTrip(c Counts) bool {
	return c.Requests >= 5 && c.ConsecutiveFailures >= 5
}

// Breaker guards one remote server's NFI calls.
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker for server name with the given config (zero
// values fall back to sane defaults).
func New(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	return &Breaker{name: name, config: config, state: StateClosed, expiry: time.Now().Add(config.Interval)}
}

func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// on timeout expiry.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentStateLocked(now)
	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return ErrTooManyRequests
	}
	b.counts.Requests++
	return nil
}

// Done records the outcome of a call previously admitted by Allow.
func (b *Breaker) Done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentStateLocked(now)
	if err == nil {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setStateLocked(StateClosed, now)
		}
		return
	}
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.setStateLocked(StateOpen, now)
	}
}

// Do runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Done(err)
	return err
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setStateLocked(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setStateLocked(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}
	b.state = state
	b.counts = Counts{}
	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the breaker's current state, advancing Open->HalfOpen
// timers as a side effect (mirrors GetState in the teacher breaker).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(time.Now())
}

// Manager owns one breaker per server, created lazily.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

func NewManager(config Config) *Manager {
	return &Manager{breakers: map[string]*Breaker{}, config: config}
}

func (m *Manager) Get(server string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[server]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[server]; ok {
		return b
	}
	b = New(server, m.config)
	m.breakers[server] = b
	return b
}

// OpenServers lists servers whose breaker currently rejects calls.
func (m *Manager) OpenServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []string
	for name, b := range m.breakers {
		if b.State() == StateOpen {
			open = append(open, name)
		}
	}
	return open
}
