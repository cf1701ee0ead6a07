package client

import (
	"context"
	"fmt"

	"github.com/dariomnz/xpn/internal/config"
	"github.com/dariomnz/xpn/internal/nfi"
	"github.com/dariomnz/xpn/internal/transport"
	"github.com/dariomnz/xpn/internal/xhash"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

func errInvalidReinitTransport(idx int, transportName string) error {
	return xerrors.New(xerrors.EINVAL, "reinit_vfhs", fmt.Sprintf("server %d: transport %q not dialable via ReinitVFHs", idx, transportName))
}

// ReinitVFHs implements spec.md §4.11's client-side counterpart to an
// expand/shrink: it dials newPartition's servers, then rebuilds every
// live file/dir handle's subhandles against the new server count so a
// caller's already-open fd keeps working after the controller commits a
// membership change (testable invariant 8, "Rebind safety").
//
// Any single file that fails to rebind is left bound to its old (now
// possibly stale) subhandles and reported via the returned map, rather
// than aborting the whole reinit — one bad shard shouldn't strand every
// other open handle on the old membership.
func (c *Client) ReinitVFHs(ctx context.Context, newPartition config.Partition) (map[int]error, error) {
	dialer := transport.SocketDialer{DialTimeout: newPartition.ConnectTimeout, Logger: c.logger}
	newServers := make([]*nfi.NFI, len(newPartition.Servers))
	for i, srv := range newPartition.Servers {
		if srv.Transport != config.TransportSocket {
			closeAll(newServers[:i])
			return nil, errInvalidReinitTransport(i, string(srv.Transport))
		}
		ch, err := dialer.Dial(ctx, srv.Address())
		if err != nil {
			closeAll(newServers[:i])
			return nil, err
		}
		newServers[i] = nfi.New(ch)
	}
	return c.ReinitVFHsWithServers(ctx, newPartition, newServers)
}

// ReinitVFHsWithServers is ReinitVFHs's New-style counterpart: it takes
// already-built per-server NFIs (collocated/local-transport deployments,
// and tests) instead of dialing sockets.
func (c *Client) ReinitVFHsWithServers(ctx context.Context, newPartition config.Partition, newServers []*nfi.NFI) (map[int]error, error) {
	c.mu.Lock()
	oldServers := c.servers
	c.servers = newServers
	c.partition = newPartition
	c.mu.Unlock()

	failures := map[int]error{}
	c.registry.Range(func(fd int, f *File) {
		if f.dirHandles != nil {
			// An in-progress READDIR enumeration can't be safely resumed
			// against a different server count (its dedup cursor is
			// positional): invalidate it and let the caller re-OPENDIR.
			invalidateDirHandle(ctx, f, oldServers)
			failures[fd] = xerrors.New(xerrors.EBADF, "reinit_vfhs", "directory handle invalidated by membership change")
			return
		}
		if err := c.rebindFile(ctx, f, oldServers); err != nil {
			failures[fd] = err
			return
		}
		c.registry.Replace(fd, f)
	})

	closeAll(serversNotReused(oldServers, newServers))
	return failures, nil
}

// serversNotReused returns the oldServers entries that are not also
// present in newServers, so an expand/shrink that carries a connection
// forward unchanged (the common case: a server kept across the
// membership change) doesn't get its live connection closed out from
// under it.
func serversNotReused(oldServers, newServers []*nfi.NFI) []*nfi.NFI {
	reused := make(map[*nfi.NFI]bool, len(newServers))
	for _, s := range newServers {
		reused[s] = true
	}
	var closeList []*nfi.NFI
	for _, s := range oldServers {
		if s != nil && !reused[s] {
			closeList = append(closeList, s)
		}
	}
	return closeList
}

// invalidateDirHandle closes out f's remaining per-server directory
// handles against oldServers (still live at this point; they aren't
// torn down until after Range completes) and marks it drained so a
// subsequent Closedir from the caller is a no-op.
func invalidateDirHandle(ctx context.Context, f *File, oldServers []*nfi.NFI) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := f.dirIdx; i < len(f.dirHandles); i++ {
		sub := f.dirHandles[i]
		if sub.server < len(oldServers) && oldServers[sub.server] != nil {
			_ = oldServers[sub.server].Closedir(ctx, sub.handle)
		}
	}
	f.dirIdx = len(f.dirHandles)
}

func closeAll(servers []*nfi.NFI) {
	for _, s := range servers {
		if s != nil {
			_ = s.Close()
		}
	}
}

// rebindFile reopens every subhandle of f against the client's
// (already swapped-in) new server list, in the same session mode as
// before, recomputes its master shard, and releases the stale
// subhandles against oldServers.
func (c *Client) rebindFile(ctx context.Context, f *File, oldServers []*nfi.NFI) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	oldSubs := f.subs
	create := translateOSFlags(f.flags)
	sessionFile, _ := c.sessionMode()

	n := c.serverCount()
	newSubs := make([]subhandle, n)
	for i := 0; i < n; i++ {
		h, err := c.server(i).Open(ctx, f.path, create, sessionFile, f.mode)
		if err != nil {
			for j := 0; j < i; j++ {
				c.closeOneSubhandle(ctx, newSubs[j], f.path)
			}
			return err
		}
		newSubs[i] = subhandle{server: i, ws: sessionFile, handle: h}
	}

	f.master = xhash.Hash(f.path, n, true)
	f.subs = newSubs
	f.hLoaded = false

	for _, s := range oldSubs {
		if !s.ws || s.server >= len(oldServers) || oldServers[s.server] == nil {
			continue
		}
		_ = oldServers[s.server].CloseHandle(ctx, s.handle)
	}
	return nil
}
