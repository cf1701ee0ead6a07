package dispatcher

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dariomnz/xpn/internal/checkpoint"
	"github.com/dariomnz/xpn/internal/metadata"
	"github.com/dariomnz/xpn/internal/session"
	"github.com/dariomnz/xpn/internal/transport"
	"github.com/dariomnz/xpn/internal/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Table) {
	t.Helper()
	root := t.TempDir()
	return New(root, nil), session.New()
}

func TestOpenWriteReadCloseSession(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	ctx := context.Background()

	openResp := d.HandleRequest(ctx, sessions, transport.Request{
		Op:     wire.OpCreatWS,
		Record: OpenRecord{Path: "/file.txt", Mode: 0644}.Encode(),
	})
	require.Equal(t, wire.StatusOK, openResp.Status)
	h, err := DecodeHandleRecord(openResp.Payload)
	require.NoError(t, err)
	assert.NotZero(t, h.Handle)

	writeResp := d.HandleRequest(ctx, sessions, transport.Request{
		Op:      wire.OpWriteWS,
		Record:  HandleOffsetSizeRecord{Handle: h.Handle, Offset: 0, Size: 5}.Encode(),
		Payload: []byte("hello"),
	})
	require.Equal(t, wire.StatusOK, writeResp.Status)

	readResp := d.HandleRequest(ctx, sessions, transport.Request{
		Op:     wire.OpReadWS,
		Record: HandleOffsetSizeRecord{Handle: h.Handle, Offset: 0, Size: 5}.Encode(),
	})
	require.Equal(t, wire.StatusOK, readResp.Status)
	assert.Equal(t, "hello", string(readResp.Payload))

	closeResp := d.HandleRequest(ctx, sessions, transport.Request{
		Op:     wire.OpCloseWS,
		Record: HandleRecord{Handle: h.Handle}.Encode(),
	})
	assert.Equal(t, wire.StatusOK, closeResp.Status)
	assert.Equal(t, 0, sessions.Len())
}

func TestWriteReadSessionless(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	ctx := context.Background()

	writeResp := d.HandleRequest(ctx, sessions, transport.Request{
		Op:      wire.OpWriteWOS,
		Record:  PathOffsetSizeRecord{Path: "/a.txt", Offset: 0, Size: 3}.Encode(),
		Payload: []byte("abc"),
	})
	require.Equal(t, wire.StatusOK, writeResp.Status)

	readResp := d.HandleRequest(ctx, sessions, transport.Request{
		Op:     wire.OpReadWOS,
		Record: PathOffsetSizeRecord{Path: "/a.txt", Offset: 1, Size: 2}.Encode(),
	})
	require.Equal(t, wire.StatusOK, readResp.Status)
	assert.Equal(t, "bc", string(readResp.Payload))
}

func TestGetattrMissingFile(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	resp := d.HandleRequest(context.Background(), sessions, transport.Request{
		Op:     wire.OpGetattr,
		Record: PathRecord{Path: "/missing"}.Encode(),
	})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.EqualValues(t, 2, resp.Errno) // ENOENT
}

func TestMkdirOpendirReaddirRmdir(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	ctx := context.Background()

	mk := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpMkdir, Record: PathRecord{Path: "/sub", Mode: 0755}.Encode()})
	require.Equal(t, wire.StatusOK, mk.Status)

	require.NoError(t, os.WriteFile(filepath.Join(d.Root, "sub", "child"), []byte("x"), 0644))

	od := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpOpendir, Record: PathRecord{Path: "/sub"}.Encode()})
	require.Equal(t, wire.StatusOK, od.Status)
	h, err := DecodeHandleRecord(od.Payload)
	require.NoError(t, err)

	rd := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpReaddir, Record: HandleRecord{Handle: h.Handle}.Encode()})
	require.Equal(t, wire.StatusOK, rd.Status)
	assert.Equal(t, "child", string(rd.Payload))

	end := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpReaddir, Record: HandleRecord{Handle: h.Handle}.Encode()})
	require.Equal(t, wire.StatusOK, end.Status)
	assert.Empty(t, end.Payload)

	cd := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpClosedir, Record: HandleRecord{Handle: h.Handle}.Encode()})
	assert.Equal(t, wire.StatusOK, cd.Status)

	require.NoError(t, os.Remove(filepath.Join(d.Root, "sub", "child")))
	rmdir := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpRmdir, Record: PathRecord{Path: "/sub"}.Encode()})
	assert.Equal(t, wire.StatusOK, rmdir.Status)
}

func TestGetIDIsIntentionallyUnimplemented(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	resp := d.HandleRequest(context.Background(), sessions, transport.Request{Op: wire.OpGetID})
	assert.Equal(t, wire.StatusError, resp.Status)
	assert.EqualValues(t, 38, resp.Errno) // ENOSYS
}

func TestRenameAndRM(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleRequest(ctx, sessions, transport.Request{
		Op:      wire.OpWriteWOS,
		Record:  PathOffsetSizeRecord{Path: "/old.txt", Offset: 0, Size: 1}.Encode(),
		Payload: []byte("x"),
	})

	ren := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpRename, Record: RenameRecord{OldPath: "/old.txt", NewPath: "/new.txt"}.Encode()})
	require.Equal(t, wire.StatusOK, ren.Status)

	rm := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpRM, Record: PathRecord{Path: "/new.txt"}.Encode()})
	assert.Equal(t, wire.StatusOK, rm.Status)
}

func TestCheckpointAndPreloadRoundTrip(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	ctx := context.Background()
	store, err := checkpoint.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	d.Checkpointer = store

	d.HandleRequest(ctx, sessions, transport.Request{
		Op:      wire.OpWriteWOS,
		Record:  PathOffsetSizeRecord{Path: "/shard.dat", Offset: 0, Size: 5}.Encode(),
		Payload: []byte("hello"),
	})

	cp := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpCheckpoint, Record: PathRecord{Path: "/shard.dat"}.Encode()})
	require.Equal(t, wire.StatusOK, cp.Status)

	require.NoError(t, os.Remove(filepath.Join(d.Root, "shard.dat")))

	preload := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpPreload, Record: PathRecord{Path: "/shard.dat"}.Encode()})
	require.Equal(t, wire.StatusOK, preload.Status)

	restored, err := os.ReadFile(filepath.Join(d.Root, "shard.dat"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(restored))
}

// TestConcurrentWriteMdataFileSizeConvergesToMax models Scenario S4:
// many concurrent WRITE_MDATA_FILE_SIZE callers racing to extend the same
// shard's embedded header must leave the file_size field at the largest
// size any of them proposed, never a smaller one that happened to write
// last (spec.md §4.3, §5; Testable Property 4).
func TestConcurrentWriteMdataFileSizeConvergesToMax(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	ctx := context.Background()

	full := filepath.Join(d.Root, "shard.dat")
	store := &metadata.Store{
		ReadAt: func(p []byte, off int64) (int, error) {
			f, err := os.Open(full)
			if err != nil {
				return 0, err
			}
			defer f.Close()
			return f.ReadAt(p, off)
		},
		WriteAt: func(p []byte, off int64) (int, error) {
			f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
			if err != nil {
				return 0, err
			}
			defer f.Close()
			return f.WriteAt(p, off)
		},
	}
	require.NoError(t, store.WriteHeader(metadata.Header{Magic: metadata.Magic, Version: metadata.Version}))

	const goroutines = 16
	sizes := make([]uint64, goroutines)
	rng := rand.New(rand.NewSource(1))
	maxSize := uint64(0)
	for i := range sizes {
		sizes[i] = uint64(rng.Intn(1_000_000) + 1)
		if sizes[i] > maxSize {
			maxSize = sizes[i]
		}
	}

	var wg sync.WaitGroup
	for _, size := range sizes {
		wg.Add(1)
		go func(size uint64) {
			defer wg.Done()
			resp := d.HandleRequest(ctx, sessions, transport.Request{
				Op:     wire.OpWriteMdataFileSize,
				Record: SetattrRecord{Path: "/shard.dat", Size: int64(size)}.Encode(),
			})
			assert.Equal(t, wire.StatusOK, resp.Status)
		}(size)
	}
	wg.Wait()

	h, err := store.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, maxSize, h.FileSize)
}

// TestReadWOSAboveMaxBufferSize exercises the read loop with a fragment
// larger than MaxBufferSize, which readFile used to clamp and silently
// return truncated (spec.md §4.6).
func TestReadWOSAboveMaxBufferSize(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	ctx := context.Background()

	size := MaxBufferSize + MaxBufferSize/2 + 12345
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	require.NoError(t, os.WriteFile(filepath.Join(d.Root, "big.bin"), data, 0644))

	readResp := d.HandleRequest(ctx, sessions, transport.Request{
		Op:     wire.OpReadWOS,
		Record: PathOffsetSizeRecord{Path: "/big.bin", Offset: 0, Size: int64(size)}.Encode(),
	})
	require.Equal(t, wire.StatusOK, readResp.Status)
	require.Len(t, readResp.Payload, size)
	assert.Equal(t, data, readResp.Payload)
}

// TestCheckpointAndPreloadRoundTripAboveMaxBufferSize exercises
// handleCheckpoint/restoreFromCheckpoint's multi-chunk loop with a shard
// larger than MaxBufferSize, so a checkpoint store that mishandles
// non-zero-offset chunks (as S3Store's Put/Get pair once did) would
// surface as truncated or wrong data here.
func TestCheckpointAndPreloadRoundTripAboveMaxBufferSize(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	ctx := context.Background()
	store, err := checkpoint.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	d.Checkpointer = store

	size := MaxBufferSize*2 + 777
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 31) % 256)
	}
	require.NoError(t, os.WriteFile(filepath.Join(d.Root, "big-shard.dat"), data, 0644))

	cp := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpCheckpoint, Record: PathRecord{Path: "/big-shard.dat"}.Encode()})
	require.Equal(t, wire.StatusOK, cp.Status)

	require.NoError(t, os.Remove(filepath.Join(d.Root, "big-shard.dat")))

	preload := d.HandleRequest(ctx, sessions, transport.Request{Op: wire.OpPreload, Record: PathRecord{Path: "/big-shard.dat"}.Encode()})
	require.Equal(t, wire.StatusOK, preload.Status)

	restored, err := os.ReadFile(filepath.Join(d.Root, "big-shard.dat"))
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestPathEscapeRejected(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	resp := d.HandleRequest(context.Background(), sessions, transport.Request{
		Op:     wire.OpGetattr,
		Record: PathRecord{Path: "../../etc/passwd"}.Encode(),
	})
	// Clean("/../../etc/passwd") collapses to "/etc/passwd", which stays
	// under root; this asserts resolve() never panics or escapes even on
	// traversal attempts, regardless of the final status.
	assert.Contains(t, []int32{2, 22}, resp.Errno)
}
