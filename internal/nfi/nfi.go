// Package nfi implements the client's network filesystem interface: one
// object per remote server, each wrapping a transport.Channel and exposing
// the same operation set the server dispatcher implements. Every call is a
// synchronous round trip, translated to a POSIX-like (return, error) pair.
package nfi

import (
	"context"

	"github.com/dariomnz/xpn/internal/dispatcher"
	"github.com/dariomnz/xpn/internal/session"
	"github.com/dariomnz/xpn/internal/transport"
	"github.com/dariomnz/xpn/internal/wire"
	"github.com/dariomnz/xpn/pkg/retry"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

// Attr mirrors dispatcher.AttrResponse for callers outside the dispatcher
// package.
type Attr struct {
	Size    int64
	Mode    uint32
	IsDir   bool
	ModTime int64
}

// NFI is the per-server stub. Its zero value is not usable; construct with
// New.
type NFI struct {
	channel transport.Channel
	retryer *retry.Retryer
}

// New wraps channel with the default retry policy for transient transport
// errors: a call failing with EIO/ECONNRESET/ETIMEDOUT/EAGAIN is retried
// on the same channel, without reconnecting.
func New(channel transport.Channel) *NFI {
	return &NFI{channel: channel, retryer: retry.New(retry.DefaultConfig())}
}

func (n *NFI) Server() string { return n.channel.Server() }

func (n *NFI) Close() error { return n.channel.Close() }

func (n *NFI) call(ctx context.Context, req transport.Request) (transport.Response, error) {
	var resp transport.Response
	err := n.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		r, cerr := n.channel.Call(ctx, req)
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	})
	if err != nil {
		return transport.Response{}, err
	}
	if resp.Status == wire.StatusError {
		return resp, errnoToError(resp.Errno, n.channel.Server())
	}
	return resp, nil
}

// Open opens path in session mode (ws) or sessionless mode, optionally
// creating it, and returns a server-scoped handle (0 in sessionless mode,
// since the server holds nothing between calls).
func (n *NFI) Open(ctx context.Context, path string, create bool, ws bool, mode uint32) (uint64, error) {
	op := wire.OpOpenWOS
	switch {
	case create && ws:
		op = wire.OpCreatWS
	case create && !ws:
		op = wire.OpCreatWOS
	case !create && ws:
		op = wire.OpOpenWS
	}
	resp, err := n.call(ctx, transport.Request{Op: op, Record: dispatcher.OpenRecord{Path: path, Mode: mode}.Encode()})
	if err != nil {
		return 0, err
	}
	if !ws {
		return 0, nil
	}
	h, derr := dispatcher.DecodeHandleRecord(resp.Payload)
	if derr != nil {
		return 0, xerrors.Wrap(xerrors.EIO, "open", derr).WithServer(n.Server())
	}
	return h.Handle, nil
}

// Read reads up to size bytes at offset, via the session handle when ws,
// or by path otherwise.
func (n *NFI) Read(ctx context.Context, ws bool, handle uint64, path string, offset, size int64) ([]byte, error) {
	var req transport.Request
	if ws {
		req = transport.Request{Op: wire.OpReadWS, Record: dispatcher.HandleOffsetSizeRecord{Handle: handle, Offset: offset, Size: size}.Encode()}
	} else {
		req = transport.Request{Op: wire.OpReadWOS, Record: dispatcher.PathOffsetSizeRecord{Path: path, Offset: offset, Size: size}.Encode()}
	}
	resp, err := n.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Write writes data at offset, via the session handle when ws, or by path
// otherwise. Returns the number of bytes the server reports written.
func (n *NFI) Write(ctx context.Context, ws bool, handle uint64, path string, offset int64, data []byte) (int64, error) {
	var req transport.Request
	if ws {
		req = transport.Request{Op: wire.OpWriteWS, Record: dispatcher.HandleOffsetSizeRecord{Handle: handle, Offset: offset, Size: int64(len(data))}.Encode(), Payload: data}
	} else {
		req = transport.Request{Op: wire.OpWriteWOS, Record: dispatcher.PathOffsetSizeRecord{Path: path, Offset: offset, Size: int64(len(data))}.Encode(), Payload: data}
	}
	resp, err := n.call(ctx, req)
	if err != nil {
		return 0, err
	}
	r, derr := dispatcher.DecodeHandleOffsetSizeRecord(resp.Payload)
	if derr != nil {
		return 0, xerrors.Wrap(xerrors.EIO, "write", derr).WithServer(n.Server())
	}
	return r.Size, nil
}

// CloseHandle closes a session-mode handle.
func (n *NFI) CloseHandle(ctx context.Context, handle uint64) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpCloseWS, Record: dispatcher.HandleRecord{Handle: handle}.Encode()})
	return err
}

func (n *NFI) Rm(ctx context.Context, path string) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpRM, Record: dispatcher.PathRecord{Path: path}.Encode()})
	return err
}

func (n *NFI) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpRename, Record: dispatcher.RenameRecord{OldPath: oldPath, NewPath: newPath}.Encode()})
	return err
}

func (n *NFI) Getattr(ctx context.Context, path string) (Attr, error) {
	resp, err := n.call(ctx, transport.Request{Op: wire.OpGetattr, Record: dispatcher.PathRecord{Path: path}.Encode()})
	if err != nil {
		return Attr{}, err
	}
	a, derr := dispatcher.DecodeAttrResponse(resp.Payload)
	if derr != nil {
		return Attr{}, xerrors.Wrap(xerrors.EIO, "getattr", derr).WithServer(n.Server())
	}
	return Attr(a), nil
}

func (n *NFI) Setattr(ctx context.Context, path string, size int64, mode uint32) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpSetattr, Record: dispatcher.SetattrRecord{Path: path, Size: size, Mode: mode}.Encode()})
	return err
}

func (n *NFI) Mkdir(ctx context.Context, path string, mode uint32) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpMkdir, Record: dispatcher.PathRecord{Path: path, Mode: mode}.Encode()})
	return err
}

func (n *NFI) Opendir(ctx context.Context, path string) (uint64, error) {
	resp, err := n.call(ctx, transport.Request{Op: wire.OpOpendir, Record: dispatcher.PathRecord{Path: path}.Encode()})
	if err != nil {
		return 0, err
	}
	h, derr := dispatcher.DecodeHandleRecord(resp.Payload)
	if derr != nil {
		return 0, xerrors.Wrap(xerrors.EIO, "opendir", derr).WithServer(n.Server())
	}
	return h.Handle, nil
}

// Readdir returns the next entry name, or "" when the directory is
// exhausted.
func (n *NFI) Readdir(ctx context.Context, handle uint64) (string, error) {
	resp, err := n.call(ctx, transport.Request{Op: wire.OpReaddir, Record: dispatcher.HandleRecord{Handle: handle}.Encode()})
	if err != nil {
		return "", err
	}
	return string(resp.Payload), nil
}

func (n *NFI) Closedir(ctx context.Context, handle uint64) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpClosedir, Record: dispatcher.HandleRecord{Handle: handle}.Encode()})
	return err
}

func (n *NFI) Rmdir(ctx context.Context, path string) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpRmdir, Record: dispatcher.PathRecord{Path: path}.Encode()})
	return err
}

func (n *NFI) Statvfs(ctx context.Context, path string) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpStatvfs, Record: dispatcher.PathRecord{Path: path}.Encode()})
	return err
}

func (n *NFI) WriteMdataFileSize(ctx context.Context, path string, size int64) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpWriteMdataFileSize, Record: dispatcher.SetattrRecord{Path: path, Size: size}.Encode()})
	return err
}

func (n *NFI) Flush(ctx context.Context, path string) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpFlush, Record: dispatcher.PathRecord{Path: path}.Encode()})
	return err
}

func (n *NFI) Preload(ctx context.Context, path string) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpPreload, Record: dispatcher.PathRecord{Path: path}.Encode()})
	return err
}

func (n *NFI) Checkpoint(ctx context.Context, path string) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpCheckpoint, Record: dispatcher.PathRecord{Path: path}.Encode()})
	return err
}

func (n *NFI) Getnodename(ctx context.Context) (string, error) {
	resp, err := n.call(ctx, transport.Request{Op: wire.OpGetnodename})
	if err != nil {
		return "", err
	}
	return string(resp.Payload), nil
}

func (n *NFI) Finalize(ctx context.Context) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpFinalize})
	return err
}

func (n *NFI) Disconnect(ctx context.Context) error {
	_, err := n.call(ctx, transport.Request{Op: wire.OpDisconnect})
	return err
}

func errnoToError(errno int32, server string) error {
	code := codeForErrno(errno)
	return xerrors.New(code, "nfi_call", "server returned error").WithServer(server)
}

func codeForErrno(errno int32) xerrors.Code {
	switch errno {
	case 2:
		return xerrors.ENOENT
	case 5:
		return xerrors.EIO
	case 9:
		return xerrors.EBADF
	case 11:
		return xerrors.EAGAIN
	case 12:
		return xerrors.ENOMEM
	case 17:
		return xerrors.EEXIST
	case 20:
		return xerrors.ENOTDIR
	case 21:
		return xerrors.EISDIR
	case 22:
		return xerrors.EINVAL
	case 24:
		return xerrors.EMFILE
	case 38:
		return xerrors.ENOSYS
	case 39:
		return xerrors.ENOTEMPTY
	case 104:
		return xerrors.ECONNRESET
	case 110:
		return xerrors.ETIMEDOUT
	default:
		return xerrors.EIO
	}
}

// Local wraps a dispatcher.Dispatcher directly for a co-located server,
// bypassing the transport entirely while preserving the same contract
// (§4.7: "Local NFI variant exists when a server is co-located").
func Local(d *dispatcher.Dispatcher) *NFI {
	sessions := session.New()
	handler := func(ctx context.Context, req transport.Request) transport.Response {
		return d.HandleRequest(ctx, sessions, req)
	}
	return New(transport.NewLocalChannel("local", handler))
}
