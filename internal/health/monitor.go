// Package health implements the health-reporting surface the membership
// controller's ping_servers action and its background poll both feed:
// one converged NodeStatus view per server. Client-side circuit breakers
// do not report to it.
//
// Grounded on the teacher's internal/health/monitor.go (Monitor/
// MonitorConfig shape, periodic check loop) and checker.go (per-target
// check result), trimmed of the teacher's alerting/remediation/
// reporting subsystems (SPEC_FULL.md carries no alert-channel or
// auto-recovery requirement) down to the one converged status map XPN
// actually needs.
package health

import (
	"context"
	"sync"
	"time"
)

// NodeStatus is one server's current health, matching the teacher's
// NodeStatus enum (alive/suspect/dead), trimmed of "joining"/"leaving"
// which XPN's expand/shrink controller tracks itself (§4.11).
type NodeStatus string

const (
	StatusAlive   NodeStatus = "alive"
	StatusSuspect NodeStatus = "suspect"
	StatusDead    NodeStatus = "dead"
)

// Pinger checks one server's liveness; the NFI's Getnodename call is the
// concrete Pinger XPN wires in (internal/membership's Controller, via its
// pingOne method).
type Pinger func(ctx context.Context, server string) error

// Config controls the monitor's polling cadence and suspect/dead
// thresholds, mirroring the teacher's MonitorConfig (trimmed to the
// fields XPN's converged-status model uses).
type Config struct {
	Interval          time.Duration
	SuspectThreshold  int // consecutive failures before alive->suspect
	DeadThreshold     int // consecutive failures before suspect->dead
}

func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, SuspectThreshold: 2, DeadThreshold: 5}
}

// nodeState is the monitor's internal bookkeeping for one server.
type nodeState struct {
	status              NodeStatus
	consecutiveFailures int
	lastSeen            time.Time
	lastError           error
}

// Monitor polls a fixed server set with Pinger and converges each one's
// NodeStatus, matching the teacher's Monitor but with the alerting and
// recovery machinery removed.
type Monitor struct {
	cfg    Config
	pinger Pinger

	mu      sync.RWMutex
	servers map[string]*nodeState

	stopCh  chan struct{}
	stopped chan struct{}
}

// New builds a Monitor over servers, all starting StatusAlive (optimistic
// until the first failed ping, matching the teacher's "new nodes start
// alive" join behavior).
func New(cfg Config, pinger Pinger, servers []string) *Monitor {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	m := &Monitor{cfg: cfg, pinger: pinger, servers: map[string]*nodeState{}}
	for _, s := range servers {
		m.servers[s] = &nodeState{status: StatusAlive, lastSeen: time.Now()}
	}
	return m
}

// Start launches the background polling loop; Stop halts it. Matches the
// teacher's Monitor.Start/Stop pair, minus the HTTP reporting endpoint.
func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.loop(ctx)
}

func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.stopped
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.stopped)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// PollOnce pings every tracked server once and updates its status: the
// same sweep Start's loop runs on every tick, callable directly by tests.
func (m *Monitor) PollOnce(ctx context.Context) {
	m.pollOnce(ctx)
}

func (m *Monitor) pollOnce(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for s := range m.servers {
		names = append(names, s)
	}
	m.mu.RUnlock()

	for _, name := range names {
		err := m.pinger(ctx, name)
		m.record(name, err)
	}
}

// Record updates server's status from the outcome of an out-of-band
// check the monitor didn't perform itself, e.g. the membership
// controller's on-demand PingServers sweep (§4.11 ping_servers).
func (m *Monitor) Record(server string, err error) {
	m.record(server, err)
}

func (m *Monitor) record(server string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.servers[server]
	if !ok {
		st = &nodeState{status: StatusAlive}
		m.servers[server] = st
	}
	if err == nil {
		st.status = StatusAlive
		st.consecutiveFailures = 0
		st.lastSeen = time.Now()
		st.lastError = nil
		return
	}
	st.consecutiveFailures++
	st.lastError = err
	switch {
	case st.consecutiveFailures >= m.cfg.DeadThreshold:
		st.status = StatusDead
	case st.consecutiveFailures >= m.cfg.SuspectThreshold:
		st.status = StatusSuspect
	}
}

// Status reports server's current converged status, StatusDead if the
// server was never added (fail safe: an unknown server is never
// reported alive).
func (m *Monitor) Status(server string) NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.servers[server]
	if !ok {
		return StatusDead
	}
	return st.status
}

// Snapshot returns every tracked server's current status, used by
// ping_servers' response payload and by diagnostics.
func (m *Monitor) Snapshot() map[string]NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]NodeStatus, len(m.servers))
	for s, st := range m.servers {
		out[s] = st.status
	}
	return out
}

// AddServer starts tracking a newly expanded-in server, optimistically
// alive (§4.11 expand step 1: "bring new servers up").
func (m *Monitor) AddServer(server string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[server]; !ok {
		m.servers[server] = &nodeState{status: StatusAlive, lastSeen: time.Now()}
	}
}

// RemoveServer stops tracking a shrunk-out server.
func (m *Monitor) RemoveServer(server string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, server)
}
