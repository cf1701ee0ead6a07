// Package transport provides the client-facing façade over a request/response
// channel to an XPN server: a single interface with a socket-backed
// implementation and a local (in-process) implementation for testing and for
// collocated client+server deployments.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dariomnz/xpn/internal/wire"
	"github.com/dariomnz/xpn/internal/xlog"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

// Request is one outbound call: an opcode, a fixed-size encoded record, and
// an optional streamed payload (write data, readdir continuation state).
type Request struct {
	Op        wire.Opcode
	SessionID uint32
	Record    []byte
	Payload   []byte
}

// Response is the decoded reply to a Request.
type Response struct {
	Status  wire.Status
	Errno   int32
	Record  []byte
	Payload []byte
}

// Channel is the façade every NFI backend talks through. It hides whether
// the peer is a TCP socket, a Unix socket, or an in-process server.
type Channel interface {
	// Call sends req and blocks for the matching response.
	Call(ctx context.Context, req Request) (Response, error)

	// Server returns the identifying address/name of the peer, used for
	// log lines and xerrors.WithServer.
	Server() string

	// Close tears down the underlying connection.
	Close() error
}

// Dialer creates a Channel to a given server address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Channel, error)
}

// SocketDialer dials a TCP address and speaks the wire protocol directly.
type SocketDialer struct {
	DialTimeout time.Duration
	Logger      *xlog.Logger
}

func (d SocketDialer) Dial(ctx context.Context, addr string) (Channel, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ECONNRESET, "dial", err).WithServer(addr)
	}
	return &SocketChannel{conn: conn, addr: addr, r: bufio.NewReader(conn), logger: d.Logger}, nil
}

// SocketChannel is a Channel backed by a single TCP connection. Requests are
// serialized: only one in-flight call per connection, matching the
// original protocol's per-connection request/reply turn-taking. A client
// wanting concurrency on one server dials multiple channels; pkg/client
// dials one per server and fans out across servers instead.
type SocketChannel struct {
	mu     sync.Mutex
	conn   net.Conn
	addr   string
	r      *bufio.Reader
	logger *xlog.Logger
}

func (c *SocketChannel) Server() string { return c.addr }

func (c *SocketChannel) Call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	hdr := wire.Header{Op: req.Op, SessionID: req.SessionID, PayloadLen: uint64(len(req.Record) + len(req.Payload))}
	if err := wire.WriteHeader(c.conn, hdr); err != nil {
		return Response{}, c.ioErr("write_header", err)
	}
	if len(req.Record) > 0 {
		if _, err := c.conn.Write(req.Record); err != nil {
			return Response{}, c.ioErr("write_record", err)
		}
	}
	if len(req.Payload) > 0 {
		if _, err := c.conn.Write(req.Payload); err != nil {
			return Response{}, c.ioErr("write_payload", err)
		}
	}

	respHdr, err := wire.ReadResponseHeader(c.r)
	if err != nil {
		return Response{}, c.ioErr("read_response_header", err)
	}

	payload, err := wire.ReadPayload(c.r, respHdr.PayloadLen)
	if err != nil {
		return Response{}, c.ioErr("read_response_payload", err)
	}

	return Response{Status: respHdr.Status, Errno: respHdr.Errno, Payload: payload}, nil
}

func (c *SocketChannel) ioErr(op string, err error) error {
	if c.logger != nil {
		c.logger.Warn("transport call failed", xlog.F("op", op), xlog.F("server", c.addr), xlog.F("err", err.Error()))
	}
	if err == io.EOF {
		return xerrors.Wrap(xerrors.ECONNRESET, op, err).WithServer(c.addr)
	}
	return xerrors.Wrap(xerrors.EIO, op, err).WithServer(c.addr)
}

func (c *SocketChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Handler processes a decoded Request against server state and returns a
// Response, the server-side counterpart to Channel.Call.
type Handler func(ctx context.Context, req Request) Response

// LocalChannel wires a Channel directly to a Handler with no socket in
// between, for collocated deployments and for tests that want full NFI ->
// transport -> dispatcher coverage without a real listener.
type LocalChannel struct {
	addr    string
	handler Handler
}

func NewLocalChannel(addr string, handler Handler) *LocalChannel {
	return &LocalChannel{addr: addr, handler: handler}
}

func (l *LocalChannel) Server() string { return l.addr }

func (l *LocalChannel) Call(ctx context.Context, req Request) (Response, error) {
	return l.handler(ctx, req), nil
}

func (l *LocalChannel) Close() error { return nil }

// Listener accepts TCP connections and hands each one's frames to serve,
// mirroring the original sck_server's accept loop.
type Listener struct {
	ln     net.Listener
	serve  func(ctx context.Context, conn net.Conn)
	logger *xlog.Logger
}

// Listen binds addr and returns a Listener ready to Accept.
func Listen(addr string, serve func(ctx context.Context, conn net.Conn), logger *xlog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.EIO, "listen", err).WithServer(addr)
	}
	return &Listener{ln: ln, serve: serve, logger: logger}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is canceled or Close is called,
// dispatching each to its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return xerrors.Wrap(xerrors.EIO, "accept", err)
			}
		}
		go func() {
			defer conn.Close()
			l.serve(ctx, conn)
		}()
	}
}

func (l *Listener) Close() error { return l.ln.Close() }

// ReadRequest decodes one request frame off conn's reader, the server-side
// counterpart to SocketChannel.Call's write path.
func ReadRequest(r io.Reader, recordSize int) (Request, error) {
	hdr, err := wire.ReadHeader(r)
	if err != nil {
		return Request{}, err
	}
	if uint64(recordSize) > hdr.PayloadLen {
		return Request{}, fmt.Errorf("transport: declared payload %d shorter than record size %d", hdr.PayloadLen, recordSize)
	}
	record, err := wire.ReadPayload(r, uint64(recordSize))
	if err != nil {
		return Request{}, err
	}
	payload, err := wire.ReadPayload(r, hdr.PayloadLen-uint64(recordSize))
	if err != nil {
		return Request{}, err
	}
	return Request{Op: hdr.Op, SessionID: hdr.SessionID, Record: record, Payload: payload}, nil
}

// WriteResponse encodes resp as a response frame onto w.
func WriteResponse(w io.Writer, op wire.Opcode, resp Response) error {
	hdr := wire.ResponseHeader{Op: op, Status: resp.Status, Errno: resp.Errno, PayloadLen: uint64(len(resp.Payload))}
	if err := wire.WriteResponseHeader(w, hdr); err != nil {
		return err
	}
	if len(resp.Payload) > 0 {
		if _, err := w.Write(resp.Payload); err != nil {
			return err
		}
	}
	return nil
}
