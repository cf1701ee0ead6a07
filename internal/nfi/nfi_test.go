package nfi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dariomnz/xpn/internal/dispatcher"
	"github.com/dariomnz/xpn/internal/transport"
	"github.com/dariomnz/xpn/internal/wire"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

func newLocal(t *testing.T) *NFI {
	t.Helper()
	d := dispatcher.New(t.TempDir(), nil)
	return Local(d)
}

func TestNFIOpenWriteReadClose(t *testing.T) {
	n := newLocal(t)
	ctx := context.Background()

	handle, err := n.Open(ctx, "/f.txt", true, true, 0644)
	require.NoError(t, err)
	require.NotZero(t, handle)

	written, err := n.Write(ctx, true, handle, "", 0, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), written)

	data, err := n.Read(ctx, true, handle, "", 0, 7)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, n.CloseHandle(ctx, handle))
}

func TestNFIGetattrMissingReturnsENOENT(t *testing.T) {
	n := newLocal(t)
	_, err := n.Getattr(context.Background(), "/nope")
	require.Error(t, err)
	assert.Equal(t, xerrors.ENOENT, xerrors.CodeOf(err))
}

func TestNFIMkdirOpendirReaddir(t *testing.T) {
	n := newLocal(t)
	ctx := context.Background()

	require.NoError(t, n.Mkdir(ctx, "/d", 0755))
	_, err := n.Write(ctx, false, 0, "/d/entry", 0, []byte("x"))
	require.NoError(t, err)

	h, err := n.Opendir(ctx, "/d")
	require.NoError(t, err)

	name, err := n.Readdir(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "entry", name)

	name, err = n.Readdir(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, name)

	require.NoError(t, n.Closedir(ctx, h))
}

func TestNFIGetIDReturnsENOSYS(t *testing.T) {
	n := newLocal(t)
	_, err := n.call(context.Background(), transport.Request{Op: wire.OpGetID})
	require.Error(t, err)
	assert.Equal(t, xerrors.ENOSYS, xerrors.CodeOf(err))
}
