package membership

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dariomnz/xpn/internal/config"
	"github.com/dariomnz/xpn/internal/dispatcher"
	"github.com/dariomnz/xpn/internal/health"
	"github.com/dariomnz/xpn/internal/nfi"
)

// newLocalDispatcherDialer builds a Dialer over in-process
// dispatcher.Dispatcher instances, one per server address, so
// Controller's reshard logic can be exercised without real sockets
// (mirrors nfi.Local's collocated-deployment pattern).
func newLocalDispatcherDialer(t *testing.T) (Dialer, map[string]*dispatcher.Dispatcher) {
	t.Helper()
	disps := map[string]*dispatcher.Dispatcher{}
	dial := func(ctx context.Context, srv config.Server) (*nfi.NFI, error) {
		d, ok := disps[srv.Address()]
		if !ok {
			d = dispatcher.New(t.TempDir(), nil)
			disps[srv.Address()] = d
		}
		return nfi.Local(d), nil
	}
	return dial, disps
}

func TestExpandMigratesOwnerChangedFiles(t *testing.T) {
	ctx := context.Background()
	dial, _ := newLocalDispatcherDialer(t)

	servers := []config.Server{{Host: "s0"}, {Host: "s1"}}
	partition := config.Partition{Name: "p", Servers: servers, BlockSize: 4096, ReplicaCount: 1}
	c := NewController(partition, dial, nil)

	n0, err := dial(ctx, servers[0])
	require.NoError(t, err)
	_, err = n0.Open(ctx, "/a.txt", true, false, 0o640)
	require.NoError(t, err)
	_, err = n0.Write(ctx, false, 0, "/a.txt", 0, []byte("hello world"))
	require.NoError(t, err)

	require.NoError(t, c.Expand(ctx, []config.Server{{Host: "s2"}}))

	newPartition, version := c.Partition()
	require.EqualValues(t, 1, version)
	require.Len(t, newPartition.Servers, 3)
}

func TestShrinkRejectsDrainingToZero(t *testing.T) {
	dial, _ := newLocalDispatcherDialer(t)
	partition := config.Partition{Name: "p", Servers: []config.Server{{Host: "s0"}}, BlockSize: 4096, ReplicaCount: 1}
	c := NewController(partition, dial, nil)
	err := c.Shrink(context.Background(), []string{"s0"})
	require.Error(t, err)
}

func TestPingServersReportsPerServerResult(t *testing.T) {
	dial, _ := newLocalDispatcherDialer(t)
	servers := []config.Server{{Host: "s0"}, {Host: "s1"}}
	partition := config.Partition{Name: "p", Servers: servers, BlockSize: 4096, ReplicaCount: 1}
	c := NewController(partition, dial, nil)

	results := c.PingServers(context.Background())
	require.Len(t, results, 2)
	for _, err := range results {
		require.NoError(t, err)
	}
}

func TestPingServersConvergesHealthSnapshot(t *testing.T) {
	dial, _ := newLocalDispatcherDialer(t)
	servers := []config.Server{{Host: "s0"}, {Host: "s1"}}
	partition := config.Partition{Name: "p", Servers: servers, BlockSize: 4096, ReplicaCount: 1}
	c := NewController(partition, dial, nil)

	c.PingServers(context.Background())

	snap := c.HealthSnapshot()
	require.Len(t, snap, 2)
	require.Equal(t, health.StatusAlive, snap[servers[0].Address()])
	require.Equal(t, health.StatusAlive, snap[servers[1].Address()])
}

func TestExpandAddsNewServerToHealthMonitor(t *testing.T) {
	ctx := context.Background()
	dial, _ := newLocalDispatcherDialer(t)
	servers := []config.Server{{Host: "s0"}, {Host: "s1"}}
	partition := config.Partition{Name: "p", Servers: servers, BlockSize: 4096, ReplicaCount: 1}
	c := NewController(partition, dial, nil)

	require.NoError(t, c.Expand(ctx, []config.Server{{Host: "s2"}}))

	snap := c.HealthSnapshot()
	require.Contains(t, snap, config.Server{Host: "s2"}.Address())
}

func TestShrinkRemovesServerFromHealthMonitor(t *testing.T) {
	ctx := context.Background()
	dial, _ := newLocalDispatcherDialer(t)
	servers := []config.Server{{Host: "s0"}, {Host: "s1"}}
	partition := config.Partition{Name: "p", Servers: servers, BlockSize: 4096, ReplicaCount: 1}
	c := NewController(partition, dial, nil)

	require.NoError(t, c.Shrink(ctx, []string{"s1"}))

	snap := c.HealthSnapshot()
	require.NotContains(t, snap, servers[1].Address())
	require.Contains(t, snap, servers[0].Address())
}
