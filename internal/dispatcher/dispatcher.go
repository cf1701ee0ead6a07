// Package dispatcher implements the server-side request dispatcher: it
// decodes an opcode off the wire, reads the matching argument record,
// executes the corresponding local-filesystem action, and encodes the
// response. One Dispatcher instance is shared by every accepted connection;
// each connection owns its own session.Table.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dariomnz/xpn/internal/checkpoint"
	"github.com/dariomnz/xpn/internal/metadata"
	"github.com/dariomnz/xpn/internal/metrics"
	"github.com/dariomnz/xpn/internal/session"
	"github.com/dariomnz/xpn/internal/transport"
	"github.com/dariomnz/xpn/internal/wire"
	"github.com/dariomnz/xpn/internal/xlog"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

// MaxBufferSize bounds each local read (and each checkpoint/preload
// chunk), mirroring the original server's scratch-buffer loop: a larger
// read is assembled from several bounded local reads and returned in one
// response.
const MaxBufferSize = 4 << 20

// Dispatcher executes requests against a local filesystem root. The root
// is the directory this server instance is responsible for; paths in
// requests are always relative to it; no client path may escape it.
type Dispatcher struct {
	Root   string
	Logger *xlog.Logger

	// OnFinalize is invoked when a FINALIZE request is received, after the
	// response is written, so the caller can stop the listener.
	OnFinalize func()

	// Checkpointer, when set, backs FLUSH/PRELOAD/CHECKPOINT with a real
	// shared-path target (SPEC_FULL.md §4.12 [DOMAIN]) instead of the
	// local-disk-only fallback those handlers use when nil.
	Checkpointer checkpoint.Store

	// Metrics, when set, records every request's latency and outcome
	// (SPEC_FULL.md §5 [AMBIENT]).
	Metrics *metrics.Collector

	// mdataStores caches one *metadata.Store per local shard path so
	// WRITE_MDATA_FILE_SIZE's read-compare-write is serialized against
	// every other request touching the same path, not just against
	// itself within a single RPC (spec.md §4.3, §5).
	mdataStores sync.Map
}

// mdataStore returns the shared metadata.Store for the shard at full,
// creating it on first use. The Store's ReadAt/WriteAt close over full
// rather than a single *os.File, so the cached Store can outlive any one
// request's file handle while still serializing concurrent callers behind
// its own mutex.
func (d *Dispatcher) mdataStore(full string) *metadata.Store {
	if v, ok := d.mdataStores.Load(full); ok {
		return v.(*metadata.Store)
	}
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
			f, err := os.OpenFile(full, os.O_RDWR, 0644)
			if err != nil {
				return 0, err
			}
			defer f.Close()
			return f.WriteAt(p, off)
		},
	}
	actual, _ := d.mdataStores.LoadOrStore(full, store)
	return actual.(*metadata.Store)
}

// New creates a Dispatcher rooted at root.
func New(root string, logger *xlog.Logger) *Dispatcher {
	if logger == nil {
		logger = xlog.New(xlog.DefaultConfig())
	}
	return &Dispatcher{Root: root, Logger: logger.With("dispatcher")}
}

func (d *Dispatcher) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(d.Root, clean)
	if !strings.HasPrefix(full, filepath.Clean(d.Root)) {
		return "", xerrors.New(xerrors.EINVAL, "resolve", "path escapes partition root").WithPath(path)
	}
	return full, nil
}

// recordSizeForOp returns the number of bytes ReadRequest must carve out of
// the frame as the fixed record, before the remaining bytes are treated as
// streamed payload.
func recordSizeForOp(op wire.Opcode) int {
	switch op {
	case wire.OpOpenWS, wire.OpOpenWOS, wire.OpCreatWS, wire.OpCreatWOS:
		return openRecordSize
	case wire.OpReadWS, wire.OpWriteWS:
		return handleOffsetSizeRecordSize
	case wire.OpReadWOS, wire.OpWriteWOS:
		return pathOffsetSizeRecordSize
	case wire.OpCloseWS, wire.OpReaddir, wire.OpClosedir:
		return handleRecordSize
	case wire.OpRename:
		return renameRecordSize
	case wire.OpSetattr, wire.OpWriteMdataFileSize:
		return setattrRecordSize
	case wire.OpRM, wire.OpMkdir, wire.OpOpendir, wire.OpRmdir, wire.OpGetattr,
		wire.OpStatvfs, wire.OpFlush, wire.OpPreload, wire.OpCheckpoint:
		return pathRecordSize
	case wire.OpGetnodename, wire.OpFinalize, wire.OpDisconnect, wire.OpGetID:
		return 0
	default:
		return 0
	}
}

// Serve reads requests off conn until DISCONNECT, FINALIZE, or a transport
// error, mirroring the per-channel state machine: ACCEPTED ->
// READING_OPCODE -> READING_RECORD -> EXECUTING -> WRITING_RESPONSE -> loop
// -> CLOSED.
func (d *Dispatcher) Serve(ctx context.Context, conn net.Conn) {
	sessions := session.New()
	defer sessions.CloseAll()

	for {
		hdr, err := wire.ReadHeader(conn)
		if err != nil {
			if err != io.EOF {
				d.Logger.Warn("read header failed", xlog.F("err", err.Error()))
			}
			return
		}

		recSize := recordSizeForOp(hdr.Op)
		record, err := wire.ReadPayload(conn, uint64(recSize))
		if err != nil {
			d.Logger.Warn("read record failed", xlog.F("op", hdr.Op.String()), xlog.F("err", err.Error()))
			return
		}
		payloadLen := hdr.PayloadLen - uint64(recSize)
		payload, err := wire.ReadPayload(conn, payloadLen)
		if err != nil {
			d.Logger.Warn("read payload failed", xlog.F("op", hdr.Op.String()), xlog.F("err", err.Error()))
			return
		}

		req := transport.Request{Op: hdr.Op, SessionID: hdr.SessionID, Record: record, Payload: payload}
		resp := d.HandleRequest(ctx, sessions, req)

		if err := transport.WriteResponse(conn, hdr.Op, resp); err != nil {
			d.Logger.Warn("write response failed", xlog.F("op", hdr.Op.String()), xlog.F("err", err.Error()))
			return
		}

		if hdr.Op == wire.OpDisconnect {
			return
		}
		if hdr.Op == wire.OpFinalize {
			if d.OnFinalize != nil {
				d.OnFinalize()
			}
			return
		}
	}
}

func errResponse(err error) transport.Response {
	code := xerrors.CodeOf(err)
	return transport.Response{Status: wire.StatusError, Errno: errnoForCode(code)}
}

func okResponse(payload []byte) transport.Response {
	return transport.Response{Status: wire.StatusOK, Payload: payload}
}

// errnoForCode maps an xerrors.Code to a small stable integer a C-style
// caller could treat as errno. The mapping only needs to be internally
// consistent; this module never interoperates with a real libc errno.h.
func errnoForCode(code xerrors.Code) int32 {
	switch code {
	case xerrors.EINVAL:
		return 22
	case xerrors.ENOENT:
		return 2
	case xerrors.EEXIST:
		return 17
	case xerrors.EISDIR:
		return 21
	case xerrors.ENOTDIR:
		return 20
	case xerrors.ENOTEMPTY:
		return 39
	case xerrors.EIO:
		return 5
	case xerrors.ECONNRESET:
		return 104
	case xerrors.ETIMEDOUT:
		return 110
	case xerrors.ENOMEM:
		return 12
	case xerrors.EMFILE:
		return 24
	case xerrors.EBADF:
		return 9
	case xerrors.ENOSYS:
		return 38
	case xerrors.EAGAIN:
		return 11
	default:
		return 5
	}
}

// HandleRequest executes a single decoded request against sessions and the
// local filesystem under d.Root. It is also the entry point LocalChannel
// calls directly for collocated client+server deployments. It wraps
// dispatchOp with latency/outcome metrics recording (SPEC_FULL.md §5
// [AMBIENT]).
func (d *Dispatcher) HandleRequest(ctx context.Context, sessions *session.Table, req transport.Request) transport.Response {
	start := time.Now()
	resp := d.dispatchOp(ctx, sessions, req)

	size := int64(len(resp.Payload) + len(req.Payload))
	var recordErr error
	if resp.Status == wire.StatusError {
		recordErr = fmt.Errorf("errno %d", resp.Errno)
	}
	d.Metrics.RecordOp(req.Op.String(), start, size, recordErr)
	d.Metrics.SetSessionsOpen(sessions.Len())
	return resp
}

func (d *Dispatcher) dispatchOp(ctx context.Context, sessions *session.Table, req transport.Request) transport.Response {
	switch req.Op {
	case wire.OpOpenWS, wire.OpOpenWOS, wire.OpCreatWS, wire.OpCreatWOS:
		return d.handleOpen(sessions, req)
	case wire.OpReadWS:
		return d.handleReadWS(sessions, req)
	case wire.OpReadWOS:
		return d.handleReadWOS(req)
	case wire.OpWriteWS:
		return d.handleWriteWS(sessions, req)
	case wire.OpWriteWOS:
		return d.handleWriteWOS(req)
	case wire.OpCloseWS:
		return d.handleClose(sessions, req)
	case wire.OpRM:
		return d.handleRM(req)
	case wire.OpRename:
		return d.handleRename(req)
	case wire.OpGetattr:
		return d.handleGetattr(req)
	case wire.OpSetattr:
		return d.handleSetattr(req)
	case wire.OpMkdir:
		return d.handleMkdir(req)
	case wire.OpOpendir:
		return d.handleOpendir(sessions, req)
	case wire.OpReaddir:
		return d.handleReaddir(sessions, req)
	case wire.OpClosedir:
		return d.handleClosedir(sessions, req)
	case wire.OpRmdir:
		return d.handleRmdir(req)
	case wire.OpStatvfs:
		return d.handleStatvfs(req)
	case wire.OpWriteMdataFileSize:
		return d.handleWriteMdataFileSize(req)
	case wire.OpFlush:
		return d.handleFlush(req)
	case wire.OpPreload:
		return d.handlePreload(req)
	case wire.OpCheckpoint:
		return d.handleCheckpoint(req)
	case wire.OpGetnodename:
		return d.handleGetnodename()
	case wire.OpFinalize, wire.OpDisconnect:
		return okResponse(nil)
	case wire.OpGetID:
		// Mirrors the original dispatcher's GETID stub, declared but never
		// wired into the opcode switch. Not a regression: this keeps the
		// same gap the source it was ported from has.
		return errResponse(xerrors.New(xerrors.ENOSYS, "getid", "not implemented"))
	default:
		return errResponse(xerrors.New(xerrors.EINVAL, "dispatch", fmt.Sprintf("unknown opcode %d", req.Op)))
	}
}

func (d *Dispatcher) handleOpen(sessions *session.Table, req transport.Request) transport.Response {
	rec, err := DecodeOpenRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "open", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}

	creat := req.Op == wire.OpCreatWS || req.Op == wire.OpCreatWOS
	flags := os.O_RDWR
	if creat {
		flags |= os.O_CREATE
	}
	f, oerr := os.OpenFile(full, flags, os.FileMode(rec.Mode))
	if oerr != nil {
		return errResponse(translateOSError(oerr, "open", rec.Path))
	}

	sessionMode := session.ModeSessionless
	if req.Op == wire.OpOpenWS || req.Op == wire.OpCreatWS {
		sessionMode = session.ModeSession
	}

	if sessionMode == session.ModeSessionless {
		f.Close()
		return okResponse(nil)
	}

	key := sessions.Open(&session.Entry{LocalPath: full, Mode: sessionMode, File: f})
	buf := HandleRecord{Handle: key}.Encode()
	return okResponse(buf)
}

func (d *Dispatcher) handleReadWS(sessions *session.Table, req transport.Request) transport.Response {
	rec, err := DecodeHandleOffsetSizeRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "read", err))
	}
	e, err := sessions.Lookup(rec.Handle)
	if err != nil {
		return errResponse(err)
	}
	return d.readFile(e.File, rec.Offset, rec.Size)
}

func (d *Dispatcher) handleReadWOS(req transport.Request) transport.Response {
	rec, err := DecodePathOffsetSizeRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "read", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	f, oerr := os.Open(full)
	if oerr != nil {
		return errResponse(translateOSError(oerr, "read", rec.Path))
	}
	defer f.Close()
	return d.readFile(f, rec.Offset, rec.Size)
}

// readFile assembles the full requested size by looping over local reads
// each bounded by MaxBufferSize (spec.md §4.6: "read up to MAX_BUFFER_SIZE
// into a scratch buffer... terminate when local read returns 0 or when the
// requested total is reached"), rather than truncating the response to a
// single MaxBufferSize chunk the way a naive port of the scratch-buffer
// loop would.
func (d *Dispatcher) readFile(f *os.File, offset, size int64) transport.Response {
	if size <= 0 {
		return okResponse(nil)
	}
	buf := make([]byte, 0, size)
	scratch := make([]byte, MaxBufferSize)
	for int64(len(buf)) < size {
		want := size - int64(len(buf))
		if want > MaxBufferSize {
			want = MaxBufferSize
		}
		n, err := f.ReadAt(scratch[:want], offset+int64(len(buf)))
		if n > 0 {
			buf = append(buf, scratch[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return errResponse(xerrors.Wrap(xerrors.EIO, "read", err))
		}
		if n == 0 {
			break
		}
	}
	return okResponse(buf)
}

func (d *Dispatcher) handleWriteWS(sessions *session.Table, req transport.Request) transport.Response {
	rec, err := DecodeHandleOffsetSizeRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "write", err))
	}
	e, err := sessions.Lookup(rec.Handle)
	if err != nil {
		return errResponse(err)
	}
	return d.writeFile(e.File, rec.Offset, req.Payload)
}

func (d *Dispatcher) handleWriteWOS(req transport.Request) transport.Response {
	rec, err := DecodePathOffsetSizeRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "write", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	f, oerr := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
	if oerr != nil {
		return errResponse(translateOSError(oerr, "write", rec.Path))
	}
	defer f.Close()
	return d.writeFile(f, rec.Offset, req.Payload)
}

func (d *Dispatcher) writeFile(f *os.File, offset int64, data []byte) transport.Response {
	n, err := f.WriteAt(data, offset)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EIO, "write", err))
	}
	buf := HandleOffsetSizeRecord{Size: int64(n)}.Encode()
	return okResponse(buf)
}

func (d *Dispatcher) handleClose(sessions *session.Table, req transport.Request) transport.Response {
	rec, err := DecodeHandleRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "close", err))
	}
	if err := sessions.Close(rec.Handle); err != nil {
		return errResponse(err)
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleRM(req transport.Request) transport.Response {
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "rm", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	if oerr := os.Remove(full); oerr != nil {
		return errResponse(translateOSError(oerr, "rm", rec.Path))
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleRename(req transport.Request) transport.Response {
	rec, err := DecodeRenameRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "rename", err))
	}
	oldFull, err := d.resolve(rec.OldPath)
	if err != nil {
		return errResponse(err)
	}
	newFull, err := d.resolve(rec.NewPath)
	if err != nil {
		return errResponse(err)
	}
	if oerr := os.Rename(oldFull, newFull); oerr != nil {
		return errResponse(translateOSError(oerr, "rename", rec.OldPath))
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleGetattr(req transport.Request) transport.Response {
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "getattr", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	fi, oerr := os.Stat(full)
	if oerr != nil {
		return errResponse(translateOSError(oerr, "getattr", rec.Path))
	}
	attr := AttrResponse{Size: fi.Size(), Mode: uint32(fi.Mode().Perm()), IsDir: fi.IsDir(), ModTime: fi.ModTime().UnixNano()}
	return okResponse(attr.Encode())
}

func (d *Dispatcher) handleSetattr(req transport.Request) transport.Response {
	rec, err := DecodeSetattrRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "setattr", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	if rec.Mode != 0 {
		if oerr := os.Chmod(full, os.FileMode(rec.Mode)); oerr != nil {
			return errResponse(translateOSError(oerr, "setattr", rec.Path))
		}
	}
	if rec.Size != noSizeChange {
		if oerr := os.Truncate(full, rec.Size); oerr != nil {
			return errResponse(translateOSError(oerr, "setattr", rec.Path))
		}
	}
	return okResponse(nil)
}

// noSizeChange is the sentinel SETATTR/WRITE_MDATA_FILE_SIZE callers send
// in the Size field to mean "leave the current size untouched."
const noSizeChange int64 = -1

func (d *Dispatcher) handleMkdir(req transport.Request) transport.Response {
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "mkdir", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	if oerr := os.Mkdir(full, os.FileMode(rec.Mode)); oerr != nil {
		return errResponse(translateOSError(oerr, "mkdir", rec.Path))
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleOpendir(sessions *session.Table, req transport.Request) transport.Response {
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "opendir", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	f, oerr := os.Open(full)
	if oerr != nil {
		return errResponse(translateOSError(oerr, "opendir", rec.Path))
	}
	fi, oerr := f.Stat()
	if oerr != nil || !fi.IsDir() {
		f.Close()
		return errResponse(xerrors.New(xerrors.ENOTDIR, "opendir", "not a directory").WithPath(rec.Path))
	}
	key := sessions.Open(&session.Entry{LocalPath: full, Mode: session.ModeSession, Dir: f})
	buf := HandleRecord{Handle: key}.Encode()
	return okResponse(buf)
}

func (d *Dispatcher) handleReaddir(sessions *session.Table, req transport.Request) transport.Response {
	rec, err := DecodeHandleRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "readdir", err))
	}
	e, err := sessions.Lookup(rec.Handle)
	if err != nil {
		return errResponse(err)
	}
	names, oerr := e.Dir.Readdirnames(1)
	if oerr == io.EOF || len(names) == 0 {
		return okResponse(nil)
	}
	if oerr != nil {
		return errResponse(xerrors.Wrap(xerrors.EIO, "readdir", oerr))
	}
	return okResponse([]byte(names[0]))
}

func (d *Dispatcher) handleClosedir(sessions *session.Table, req transport.Request) transport.Response {
	rec, err := DecodeHandleRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "closedir", err))
	}
	if err := sessions.Close(rec.Handle); err != nil {
		return errResponse(err)
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleRmdir(req transport.Request) transport.Response {
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "rmdir", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	if oerr := os.Remove(full); oerr != nil {
		return errResponse(translateOSError(oerr, "rmdir", rec.Path))
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleStatvfs(req transport.Request) transport.Response {
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "statvfs", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	if _, oerr := os.Stat(full); oerr != nil {
		return errResponse(translateOSError(oerr, "statvfs", rec.Path))
	}
	return okResponse(nil)
}

// handleWriteMdataFileSize implements write_mdata(only_file_size=true)
// (spec.md §4.3): a mutex-guarded read-compare-write of just the
// file_size field of the master shard's embedded header, advancing it
// only if the new value is strictly greater than the value on record.
// This is the server-side half of the atomic-RPC path §5 describes for
// concurrent writers racing to extend the same file; the guard only holds
// if every request against this path goes through the same *metadata.Store,
// which is why this looks the store up from d.mdataStores instead of
// building one per call.
func (d *Dispatcher) handleWriteMdataFileSize(req transport.Request) transport.Response {
	rec, err := DecodeSetattrRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "write_mdata_file_size", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	if _, oerr := os.Stat(full); oerr != nil {
		return errResponse(translateOSError(oerr, "write_mdata_file_size", rec.Path))
	}

	if rec.Size == noSizeChange {
		return okResponse(nil)
	}
	store := d.mdataStore(full)
	if serr := store.WriteFileSizeIfGreater(uint64(rec.Size)); serr != nil {
		return errResponse(serr)
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleFlush(req transport.Request) transport.Response {
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "flush", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	f, oerr := os.Open(full)
	if oerr != nil {
		return errResponse(translateOSError(oerr, "flush", rec.Path))
	}
	defer f.Close()
	if oerr := f.Sync(); oerr != nil {
		return errResponse(xerrors.Wrap(xerrors.EIO, "flush", oerr))
	}
	if d.Checkpointer != nil {
		info, serr := f.Stat()
		if serr == nil {
			if _, rerr := f.Seek(0, io.SeekStart); rerr == nil {
				data := make([]byte, info.Size())
				if _, rerr := io.ReadFull(f, data); rerr == nil {
					if perr := d.Checkpointer.Put(context.Background(), rec.Path, 0, data); perr != nil {
						d.Logger.Warn("checkpoint flush failed", xlog.F("path", rec.Path), xlog.F("err", perr.Error()))
					}
				}
			}
		}
	}
	return okResponse(nil)
}

func (d *Dispatcher) handlePreload(req transport.Request) transport.Response {
	// Preload is advisory: it warms the local page cache by reading the
	// file once; when a checkpoint backend is wired in and the local
	// shard is missing (evicted to external storage), it restores it
	// from the shared target first.
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "preload", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	f, oerr := os.Open(full)
	if oerr != nil {
		if d.Checkpointer != nil && os.IsNotExist(oerr) {
			return d.restoreFromCheckpoint(full, rec.Path)
		}
		return errResponse(translateOSError(oerr, "preload", rec.Path))
	}
	defer f.Close()
	buf := make([]byte, MaxBufferSize)
	for {
		if _, rerr := f.Read(buf); rerr != nil {
			break
		}
	}
	return okResponse(nil)
}

func (d *Dispatcher) restoreFromCheckpoint(full, logicalPath string) transport.Response {
	const chunk = MaxBufferSize
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return errResponse(xerrors.Wrap(xerrors.EIO, "preload", err))
	}
	out, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EIO, "preload", err))
	}
	defer out.Close()
	for offset := int64(0); ; offset += chunk {
		data, gerr := d.Checkpointer.Get(context.Background(), logicalPath, offset, chunk)
		if gerr != nil || len(data) == 0 {
			break
		}
		if _, werr := out.WriteAt(data, offset); werr != nil {
			return errResponse(xerrors.Wrap(xerrors.EIO, "preload", werr))
		}
		if int64(len(data)) < chunk {
			break
		}
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleCheckpoint(req transport.Request) transport.Response {
	// A checkpoint writes this shard's full local contents to the
	// shared target (§4.9: "strided copy between a shard-local path and
	// a shared path"); the dispatcher only validates the path exists
	// locally when no checkpoint.Store is wired in.
	rec, err := DecodePathRecord(req.Record)
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EINVAL, "checkpoint", err))
	}
	full, err := d.resolve(rec.Path)
	if err != nil {
		return errResponse(err)
	}
	info, oerr := os.Stat(full)
	if oerr != nil {
		return errResponse(translateOSError(oerr, "checkpoint", rec.Path))
	}
	if d.Checkpointer == nil {
		return okResponse(nil)
	}
	f, oerr := os.Open(full)
	if oerr != nil {
		return errResponse(translateOSError(oerr, "checkpoint", rec.Path))
	}
	defer f.Close()
	const chunk = MaxBufferSize
	buf := make([]byte, chunk)
	for offset := int64(0); offset < info.Size(); offset += chunk {
		n, rerr := f.ReadAt(buf, offset)
		if n > 0 {
			if perr := d.Checkpointer.Put(context.Background(), rec.Path, offset, buf[:n]); perr != nil {
				return errResponse(xerrors.Wrap(xerrors.EIO, "checkpoint", perr))
			}
		}
		if rerr != nil {
			break
		}
	}
	return okResponse(nil)
}

func (d *Dispatcher) handleGetnodename() transport.Response {
	name, err := os.Hostname()
	if err != nil {
		return errResponse(xerrors.Wrap(xerrors.EIO, "getnodename", err))
	}
	return okResponse([]byte(name))
}

func translateOSError(err error, op, path string) error {
	switch {
	case os.IsNotExist(err):
		return xerrors.Wrap(xerrors.ENOENT, op, err).WithPath(path)
	case os.IsExist(err):
		return xerrors.Wrap(xerrors.EEXIST, op, err).WithPath(path)
	case os.IsPermission(err):
		return xerrors.Wrap(xerrors.EINVAL, op, err).WithPath(path)
	default:
		return xerrors.Wrap(xerrors.EIO, op, err).WithPath(path)
	}
}
