package membership

import (
	"context"
	"fmt"
	"sync"

	"github.com/dariomnz/xpn/internal/config"
	"github.com/dariomnz/xpn/internal/health"
	"github.com/dariomnz/xpn/internal/nfi"
	"github.com/dariomnz/xpn/internal/xhash"
	"github.com/dariomnz/xpn/internal/xlog"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

// migrateChunkSize bounds one shard-migration read/write round trip,
// mirroring the dispatcher's own MaxBufferSize-bounded read/write loop
// (§4.6) so a large shard migration doesn't buffer unboundedly.
const migrateChunkSize = 4 << 20

// Dialer connects to a server address and returns an NFI stub, letting
// Controller stay agnostic of the concrete transport (socket vs local),
// matching §4.4's "dynamic dispatch over transports" design note.
type Dialer func(ctx context.Context, server config.Server) (*nfi.NFI, error)

// Controller implements the elastic membership controller's executor
// (spec.md §4.11): it owns one partition's live membership state and
// performs expand/shrink by rehashing every file against the new server
// count and streaming any shard whose owner changed to its new home.
//
// Grounded on the teacher's internal/distributed/coordinator.go
// (ExecuteOperation's propose/apply dispatch) for the two-phase
// NEW/CHANGE action shape, and cluster.go's node table for the
// PartitionVersion/host-list bookkeeping.
type Controller struct {
	mu        sync.RWMutex
	partition config.Partition
	version   int64
	dial      Dialer
	conns     map[string]*nfi.NFI
	logger    *xlog.Logger
	monitor   *health.Monitor
}

// NewController builds a Controller starting from partition, using dial
// to open NFIs to any server (current or newly added). It also builds a
// health.Monitor over the partition's starting servers, fed by every
// PingServers call and by StartHealthMonitoring's background loop.
// Client-side circuit breakers do not report to this monitor.
func NewController(partition config.Partition, dial Dialer, logger *xlog.Logger) *Controller {
	if logger == nil {
		logger = xlog.New(xlog.DefaultConfig())
	}
	c := &Controller{
		partition: partition,
		dial:      dial,
		conns:     map[string]*nfi.NFI{},
		logger:    logger.With("membership_controller"),
	}
	addrs := make([]string, len(partition.Servers))
	for i, srv := range partition.Servers {
		addrs[i] = srv.Address()
	}
	c.monitor = health.New(health.DefaultConfig(), c.pingOne, addrs)
	return c
}

// pingOne is the health.Pinger the controller's monitor polls: it reaches
// the server by address through the same serverConn/Getnodename path
// PingServers uses for an on-demand sweep.
func (c *Controller) pingOne(ctx context.Context, addr string) error {
	c.mu.RLock()
	var srv config.Server
	found := false
	for _, s := range c.partition.Servers {
		if s.Address() == addr {
			srv, found = s, true
			break
		}
	}
	c.mu.RUnlock()
	if !found {
		return xerrors.New(xerrors.ENOENT, "ping", "server no longer in partition").WithServer(addr)
	}
	n, err := c.serverConn(ctx, srv)
	if err != nil {
		return err
	}
	_, err = n.Getnodename(ctx)
	return err
}

// StartHealthMonitoring launches the background health-monitor polling
// loop; the caller (cmd/xpn-server) owns its lifetime via ctx.
func (c *Controller) StartHealthMonitoring(ctx context.Context) {
	c.monitor.Start(ctx)
}

// HealthSnapshot reports every tracked server's last-converged status,
// for diagnostics and tests.
func (c *Controller) HealthSnapshot() map[string]health.NodeStatus {
	return c.monitor.Snapshot()
}

// Partition returns the controller's current live partition and its
// version (bumped on every committed expand/shrink), for clients to poll
// and compare against their cached copy (§4.11 step 4: "clients detect
// via heartbeat or the next RPC").
func (c *Controller) Partition() (config.Partition, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partition, c.version
}

func (c *Controller) serverConn(ctx context.Context, srv config.Server) (*nfi.NFI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.conns[srv.Address()]; ok {
		return n, nil
	}
	n, err := c.dial(ctx, srv)
	if err != nil {
		return nil, err
	}
	c.conns[srv.Address()] = n
	return n, nil
}

// PingServers checks every current server's reachability via GETNODENAME,
// matching §4.11's ping_servers action.
func (c *Controller) PingServers(ctx context.Context) map[string]error {
	c.mu.RLock()
	servers := append([]config.Server{}, c.partition.Servers...)
	c.mu.RUnlock()

	results := make(map[string]error, len(servers))
	for _, srv := range servers {
		err := c.pingOne(ctx, srv.Address())
		results[srv.Address()] = err
		c.monitor.Record(srv.Address(), err)
	}
	return results
}

// StartServers and StopServers are advisory: actually spawning/killing a
// server process is an external-collaborator concern (spec.md §1 "CLI
// parsing and shell bootstrap for the controller" is out of scope), so
// these only validate reachability, matching the contract ping_servers
// already exercises.
func (c *Controller) StartServers(ctx context.Context) error {
	for addr, err := range c.PingServers(ctx) {
		if err != nil {
			c.logger.Warn("server unreachable on start", xlog.F("server", addr), xlog.F("err", err.Error()))
		}
	}
	return nil
}

func (c *Controller) StopServers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, n := range c.conns {
		_ = n.Close()
		delete(c.conns, addr)
	}
	return nil
}

// walk enumerates every regular file under root on server n, depth
// first, via OPENDIR/READDIR (the same traversal Readdir's dedup logic
// in pkg/client assumes each server can answer locally).
func (c *Controller) walk(ctx context.Context, n *nfi.NFI, dir string, out *[]string) error {
	h, err := n.Opendir(ctx, dir)
	if err != nil {
		return err
	}
	defer n.Closedir(ctx, h)
	for {
		name, err := n.Readdir(ctx, h)
		if err != nil {
			return err
		}
		if name == "" {
			return nil
		}
		if name == "." || name == ".." {
			continue
		}
		full := dir + "/" + name
		attr, aerr := n.Getattr(ctx, full)
		if aerr != nil {
			continue
		}
		if attr.IsDir {
			if werr := c.walk(ctx, n, full, out); werr != nil {
				return werr
			}
			continue
		}
		*out = append(*out, full)
	}
}

// migrateFile streams path's full contents from src to dst (§4.11 step
// 3: "stream the shard to its new home"), then removes it from src.
func (c *Controller) migrateFile(ctx context.Context, src, dst *nfi.NFI, path string) error {
	attr, err := src.Getattr(ctx, path)
	if err != nil {
		return err
	}
	if _, err := dst.Open(ctx, path, true, false, 0o640); err != nil {
		return err
	}
	for offset := int64(0); offset < attr.Size; offset += migrateChunkSize {
		n := migrateChunkSize
		if remain := attr.Size - offset; remain < int64(n) {
			n = int(remain)
		}
		data, rerr := src.Read(ctx, false, 0, path, offset, int64(n))
		if rerr != nil {
			return rerr
		}
		if len(data) == 0 {
			break
		}
		if _, werr := dst.Write(ctx, false, 0, path, offset, data); werr != nil {
			return werr
		}
		if len(data) < n {
			break
		}
	}
	return src.Rm(ctx, path)
}

// reshard is the shared body of Expand and Shrink: given the old and new
// server lists, rehash every file found on every old server and migrate
// any whose owner moved (§4.11 step 3).
func (c *Controller) reshard(ctx context.Context, oldServers, newServers []config.Server) error {
	oldConns := make([]*nfi.NFI, len(oldServers))
	for i, srv := range oldServers {
		n, err := c.serverConn(ctx, srv)
		if err != nil {
			return fmt.Errorf("reshard: dial old server %s: %w", srv.Address(), err)
		}
		oldConns[i] = n
	}
	newConns := make([]*nfi.NFI, len(newServers))
	for i, srv := range newServers {
		n, err := c.serverConn(ctx, srv)
		if err != nil {
			return fmt.Errorf("reshard: dial new server %s: %w", srv.Address(), err)
		}
		newConns[i] = n
	}

	for oldIdx, conn := range oldConns {
		var files []string
		if err := c.walk(ctx, conn, "", &files); err != nil {
			c.logger.Warn("reshard walk failed", xlog.F("server", oldServers[oldIdx].Address()), xlog.F("err", err.Error()))
			continue
		}
		for _, path := range files {
			newIdx := xhash.Hash(path, len(newConns), true)
			if newIdx >= len(newConns) {
				continue
			}
			if newServers[newIdx].Address() == oldServers[oldIdx].Address() {
				continue
			}
			if err := c.migrateFile(ctx, conn, newConns[newIdx], path); err != nil {
				c.logger.Warn("migrate file failed", xlog.F("path", path), xlog.F("err", err.Error()))
			}
		}
	}
	return nil
}

// Expand adds newHosts to the partition, migrates any file whose owner
// changes under the larger server count, then commits the new partition
// (§4.11's expand sequence, steps 1-4).
func (c *Controller) Expand(ctx context.Context, newHosts []config.Server) error {
	c.mu.RLock()
	oldServers := append([]config.Server{}, c.partition.Servers...)
	c.mu.RUnlock()

	allServers := append(append([]config.Server{}, oldServers...), newHosts...)
	if err := c.reshard(ctx, oldServers, allServers); err != nil {
		return err
	}

	c.mu.Lock()
	c.partition.Servers = allServers
	c.version++
	c.mu.Unlock()
	for _, srv := range newHosts {
		c.monitor.AddServer(srv.Address())
	}
	return nil
}

// Reconfigure replaces the partition's server list outright with target,
// migrating files as needed (the controller channel's *_CHANGE actions,
// which carry the full desired membership rather than a host delta).
func (c *Controller) Reconfigure(ctx context.Context, target []config.Server) error {
	if len(target) == 0 {
		return xerrors.New(xerrors.EINVAL, "reconfigure", "target server list is empty")
	}
	c.mu.RLock()
	oldServers := append([]config.Server{}, c.partition.Servers...)
	c.mu.RUnlock()

	if err := c.reshard(ctx, oldServers, target); err != nil {
		return err
	}

	c.mu.Lock()
	c.partition.Servers = target
	c.version++
	c.mu.Unlock()
	c.reconcileMonitor(oldServers, target)
	return nil
}

// reconcileMonitor adds/removes tracked servers so the health monitor's
// server set matches next exactly after a Reconfigure/Shrink.
func (c *Controller) reconcileMonitor(oldServers, next []config.Server) {
	keep := map[string]bool{}
	for _, srv := range next {
		keep[srv.Address()] = true
		c.monitor.AddServer(srv.Address())
	}
	for _, srv := range oldServers {
		if !keep[srv.Address()] {
			c.monitor.RemoveServer(srv.Address())
		}
	}
}

// Shrink migrates every file off removeHosts onto the remaining servers,
// then removes them from the partition and commits.
func (c *Controller) Shrink(ctx context.Context, removeHosts []string) error {
	c.mu.RLock()
	oldServers := append([]config.Server{}, c.partition.Servers...)
	c.mu.RUnlock()

	remove := map[string]bool{}
	for _, h := range removeHosts {
		remove[h] = true
	}
	var remaining []config.Server
	for _, s := range oldServers {
		if !remove[s.Address()] && !remove[s.Host] {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		return xerrors.New(xerrors.EINVAL, "shrink", "cannot shrink to zero servers")
	}

	if err := c.reshard(ctx, oldServers, remaining); err != nil {
		return err
	}

	c.mu.Lock()
	c.partition.Servers = remaining
	c.version++
	c.mu.Unlock()
	c.reconcileMonitor(oldServers, remaining)
	return nil
}
