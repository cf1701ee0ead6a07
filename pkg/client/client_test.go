package client

import (
	"context"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dariomnz/xpn/internal/config"
	"github.com/dariomnz/xpn/internal/dispatcher"
	"github.com/dariomnz/xpn/internal/metrics"
	"github.com/dariomnz/xpn/internal/nfi"
	"github.com/dariomnz/xpn/internal/session"
	"github.com/dariomnz/xpn/internal/transport"
	"github.com/dariomnz/xpn/internal/wire"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

func newTestClient(t *testing.T, nServers int, sessionMode bool) *Client {
	t.Helper()
	return newTestClientReplicated(t, nServers, sessionMode, 1)
}

// newTestClientReplicated builds a Client over nServers in-process
// dispatchers with the given replica_count, so fan-out writes and
// primary-then-replica reads (spec.md §4.2, §4.9; Testable Property 5)
// can be exercised without real sockets.
func newTestClientReplicated(t *testing.T, nServers int, sessionMode bool, replicaCount int) *Client {
	t.Helper()
	servers := make([]*nfi.NFI, nServers)
	for i := 0; i < nServers; i++ {
		d := dispatcher.New(t.TempDir(), nil)
		servers[i] = nfi.Local(d)
	}
	partition := config.Partition{
		Name:         "test",
		BlockSize:    4096,
		ReplicaCount: replicaCount,
		Policy:       config.PolicyRoundRobin,
		Session:      config.SessionConfig{File: sessionMode, Dir: true},
	}
	for range servers {
		partition.Servers = append(partition.Servers, config.Server{Transport: config.TransportLocal})
	}
	return New(partition, servers, nil)
}

func TestClientMkdirOpenWriteReadClose(t *testing.T) {
	c := newTestClient(t, 3, true)
	ctx := context.Background()

	require.NoError(t, c.Mkdir(ctx, "/d", 0755))

	fd, err := c.Open(ctx, "/d/f.txt", os.O_CREATE, 0644)
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, 0)

	n, err := c.Write(ctx, fd, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	require.NoError(t, c.Close(ctx, fd))

	fd2, err := c.Open(ctx, "/d/f.txt", 0, 0)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n2, err := c.Read(ctx, fd2, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n2]))

	attr, err := c.Stat(ctx, "/d/f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), attr.Size)
	assert.False(t, attr.IsDir)

	require.NoError(t, c.Close(ctx, fd2))
	require.NoError(t, c.Unlink(ctx, "/d/f.txt"))
	require.NoError(t, c.Rmdir(ctx, "/d"))
}

func TestClientSessionlessRoundTrip(t *testing.T) {
	c := newTestClient(t, 2, false)
	ctx := context.Background()

	fd, err := c.Open(ctx, "/a.bin", os.O_CREATE, 0644)
	require.NoError(t, err)

	data := make([]byte, 9000) // spans multiple blocks and servers
	for i := range data {
		data[i] = byte(i % 251)
	}
	n, err := c.Write(ctx, fd, data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, c.Close(ctx, fd))

	fd2, err := c.Open(ctx, "/a.bin", 0, 0)
	require.NoError(t, err)
	buf := make([]byte, len(data))
	n2, err := c.Read(ctx, fd2, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n2)
	assert.Equal(t, data, buf)
	require.NoError(t, c.Close(ctx, fd2))
}

func TestClientReaddirAcrossServers(t *testing.T) {
	c := newTestClient(t, 3, true)
	ctx := context.Background()
	require.NoError(t, c.Mkdir(ctx, "/dir", 0755))

	names := []string{"alpha", "beta", "gamma", "delta"}
	for _, name := range names {
		fd, err := c.Open(ctx, "/dir/"+name, os.O_CREATE, 0644)
		require.NoError(t, err)
		_, err = c.Write(ctx, fd, []byte("x"), 0)
		require.NoError(t, err)
		require.NoError(t, c.Close(ctx, fd))
	}

	dfd, err := c.Opendir(ctx, "/dir")
	require.NoError(t, err)

	var got []string
	for {
		name, err := c.Readdir(ctx, dfd)
		require.NoError(t, err)
		if name == "" {
			break
		}
		got = append(got, name)
	}
	require.NoError(t, c.Closedir(ctx, dfd))

	sort.Strings(got)
	sort.Strings(names)
	assert.Equal(t, names, got)
}

func TestClientLseek(t *testing.T) {
	c := newTestClient(t, 2, true)
	ctx := context.Background()

	fd, err := c.Open(ctx, "/s.txt", os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = c.Write(ctx, fd, []byte("0123456789"), 0)
	require.NoError(t, err)

	pos, err := c.Lseek(ctx, fd, 0, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)

	pos, err = c.Lseek(ctx, fd, -4, SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	require.NoError(t, c.Close(ctx, fd))
}

func TestClientDup(t *testing.T) {
	c := newTestClient(t, 2, true)
	ctx := context.Background()

	fd, err := c.Open(ctx, "/dup.txt", os.O_CREATE, 0644)
	require.NoError(t, err)

	fd2, err := c.Dup(fd, -1)
	require.NoError(t, err)
	assert.NotEqual(t, fd, fd2)

	require.NoError(t, c.Close(ctx, fd))
	_, err = c.Write(ctx, fd2, []byte("still alive"), 0)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, fd2))
}

// TestClientReplicatedRoundTrip covers Testable Property 5
// (write(f, B, 0); read(f, 0, |B|) == B) with replica_count=2, the one
// coverage gap explicitly called out in spec.md's Testable Properties:
// every fragment gets written to its primary and its replica server, and
// a plain read (no fault injected) must still see exactly what was
// written.
func TestClientReplicatedRoundTrip(t *testing.T) {
	c := newTestClientReplicated(t, 3, true, 2)
	ctx := context.Background()

	fd, err := c.Open(ctx, "/r.bin", os.O_CREATE, 0644)
	require.NoError(t, err)

	data := make([]byte, 9000) // spans multiple blocks and servers
	for i := range data {
		data[i] = byte((i * 7) % 251)
	}
	n, err := c.Write(ctx, fd, data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, c.Close(ctx, fd))

	fd2, err := c.Open(ctx, "/r.bin", 0, 0)
	require.NoError(t, err)
	buf := make([]byte, len(data))
	n2, err := c.Read(ctx, fd2, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n2)
	assert.Equal(t, data, buf)
	require.NoError(t, c.Close(ctx, fd2))
}

// failingReadChannel wraps a transport.Channel and turns every read
// opcode into a transport error, so readFragment's replica fallback path
// (pkg/client/file.go) has something to fall back from without touching
// real sockets.
type failingReadChannel struct {
	transport.Channel
}

func (f failingReadChannel) Call(ctx context.Context, req transport.Request) (transport.Response, error) {
	if req.Op == wire.OpReadWS || req.Op == wire.OpReadWOS {
		return transport.Response{}, xerrors.New(xerrors.EIO, "read", "injected primary failure")
	}
	return f.Channel.Call(ctx, req)
}

// TestClientReplicaFallbackOnPrimaryReadError exercises readFragment's
// fallback from a failing primary to a healthy replica (§4.2: "reads
// prefer the primary, falling back to replicas on error").
func TestClientReplicaFallbackOnPrimaryReadError(t *testing.T) {
	const nServers = 3

	// "/a.bin" hashes (xhash.Hash, sum-of-bytes mod serverCount) to
	// master server 0. Only server 1 is wired to fail reads: server 0
	// must stay healthy so the metadata-header read (always goes to the
	// master directly, with no fallback) and block 0 still succeed; the
	// write below spans blocks 0-2, so block 1's primary is server
	// (0+1)%3 == 1 — exactly the one rigged to fail — forcing readFragment
	// to fall back to its replica, server (1+1)%3 == 2.
	const failingServer = 1
	servers := make([]*nfi.NFI, nServers)
	for i := 0; i < nServers; i++ {
		d := dispatcher.New(t.TempDir(), nil)
		sessions := session.New()
		ch := transport.Channel(transport.NewLocalChannel("local", func(ctx context.Context, req transport.Request) transport.Response {
			return d.HandleRequest(ctx, sessions, req)
		}))
		if i == failingServer {
			ch = failingReadChannel{Channel: ch}
		}
		servers[i] = nfi.New(ch)
	}
	partition := config.Partition{
		Name:         "test",
		BlockSize:    4096,
		ReplicaCount: 2,
		Policy:       config.PolicyRoundRobin,
		Session:      config.SessionConfig{File: true, Dir: true},
	}
	for range servers {
		partition.Servers = append(partition.Servers, config.Server{Transport: config.TransportLocal})
	}
	c := New(partition, servers, nil)
	ctx := context.Background()

	fd, err := c.Open(ctx, "/a.bin", os.O_CREATE, 0644)
	require.NoError(t, err)
	data := make([]byte, 9000) // spans blocks 0, 1, and 2
	for i := range data {
		data[i] = byte((i * 7) % 251)
	}
	_, err = c.Write(ctx, fd, data, 0)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, fd))

	fd2, err := c.Open(ctx, "/a.bin", 0, 0)
	require.NoError(t, err)
	buf := make([]byte, len(data))
	n, err := c.Read(ctx, fd2, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)
	require.NoError(t, c.Close(ctx, fd2))
}

func TestClientWithMetricsRecordsFragments(t *testing.T) {
	c := newTestClient(t, 2, true)
	c.WithMetrics(metrics.New(metrics.Config{Enabled: true, Namespace: "xpn_test_client"}))
	ctx := context.Background()

	fd, err := c.Open(ctx, "/m.txt", os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = c.Write(ctx, fd, []byte("metrics"), 0)
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = c.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, fd))
}
