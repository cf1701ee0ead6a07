// Package wire defines the XPN socket protocol: an opcode-tagged fixed
// header followed by an optional streamed payload. Every client NFI
// implementation and every server dispatcher speaks this exact framing so
// client and server can be built, versioned and deployed independently.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the operation a request frame carries. Values are
// stable across releases; new opcodes are appended, never renumbered, to
// avoid breaking wire compatibility with clients and servers on different
// versions of this module.
type Opcode uint32

const (
	OpOpenWS Opcode = iota + 1
	OpOpenWOS
	OpCreatWS
	OpCreatWOS
	OpReadWS
	OpReadWOS
	OpWriteWS
	OpWriteWOS
	OpCloseWS
	OpRM
	OpRename
	OpGetattr
	OpSetattr
	OpMkdir
	OpOpendir
	OpReaddir
	OpClosedir
	OpRmdir
	OpStatvfs
	OpWriteMdataFileSize
	OpFlush
	OpPreload
	OpCheckpoint
	OpGetnodename
	OpFinalize
	OpDisconnect
	// OpGetID mirrors the original dispatcher's GETID opcode, which carries
	// a //TODO: call in switch stub that was never wired to a handler.
	// Kept intentionally unimplemented; see the dispatcher's dispatchOp.
	OpGetID
)

func (op Opcode) String() string {
	switch op {
	case OpOpenWS:
		return "OPEN_WS"
	case OpOpenWOS:
		return "OPEN_WOS"
	case OpCreatWS:
		return "CREAT_WS"
	case OpCreatWOS:
		return "CREAT_WOS"
	case OpReadWS:
		return "READ_WS"
	case OpReadWOS:
		return "READ_WOS"
	case OpWriteWS:
		return "WRITE_WS"
	case OpWriteWOS:
		return "WRITE_WOS"
	case OpCloseWS:
		return "CLOSE_WS"
	case OpRM:
		return "RM"
	case OpRename:
		return "RENAME"
	case OpGetattr:
		return "GETATTR"
	case OpSetattr:
		return "SETATTR"
	case OpMkdir:
		return "MKDIR"
	case OpOpendir:
		return "OPENDIR"
	case OpReaddir:
		return "READDIR"
	case OpClosedir:
		return "CLOSEDIR"
	case OpRmdir:
		return "RMDIR"
	case OpStatvfs:
		return "STATVFS"
	case OpWriteMdataFileSize:
		return "WRITE_MDATA_FILE_SIZE"
	case OpFlush:
		return "FLUSH"
	case OpPreload:
		return "PRELOAD"
	case OpCheckpoint:
		return "CHECKPOINT"
	case OpGetnodename:
		return "GETNODENAME"
	case OpFinalize:
		return "FINALIZE"
	case OpDisconnect:
		return "DISCONNECT"
	case OpGetID:
		return "GETID"
	default:
		return "UNKNOWN"
	}
}

// frameHeaderSize is the wire size of Header, independent of Go struct
// padding: 4 bytes opcode + 4 bytes session id + 8 bytes payload length.
const frameHeaderSize = 4 + 4 + 8

// Header precedes every request and response frame.
type Header struct {
	Op         Opcode
	SessionID  uint32
	PayloadLen uint64
}

// WriteHeader writes h to w in wire format (little-endian).
func WriteHeader(w io.Writer, h Header) error {
	buf := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Op))
	binary.LittleEndian.PutUint32(buf[4:8], h.SessionID)
	binary.LittleEndian.PutUint64(buf[8:16], h.PayloadLen)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a Header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return Header{
		Op:         Opcode(binary.LittleEndian.Uint32(buf[0:4])),
		SessionID:  binary.LittleEndian.Uint32(buf[4:8]),
		PayloadLen: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Status is an explicit response status field carried on every response
// frame. The original protocol folds status into the return value of the
// call itself (<=0 meaning errno); this wire format makes it an explicit
// field instead, so a response can be parsed without first interpreting a
// signed return-length as a sentinel.
type Status uint32

const (
	StatusOK Status = iota
	StatusError
)

// ResponseHeader precedes every response frame: the original opcode it
// answers, a status, a POSIX-style errno-equivalent code when status is
// an error, and the payload length that follows.
type ResponseHeader struct {
	Op         Opcode
	Status     Status
	Errno      int32
	PayloadLen uint64
}

const responseHeaderSize = 4 + 4 + 4 + 8

func WriteResponseHeader(w io.Writer, h ResponseHeader) error {
	buf := make([]byte, responseHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Op))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Status))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Errno))
	binary.LittleEndian.PutUint64(buf[12:20], h.PayloadLen)
	_, err := w.Write(buf)
	return err
}

func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	buf := make([]byte, responseHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ResponseHeader{}, err
	}
	return ResponseHeader{
		Op:         Opcode(binary.LittleEndian.Uint32(buf[0:4])),
		Status:     Status(binary.LittleEndian.Uint32(buf[4:8])),
		Errno:      int32(binary.LittleEndian.Uint32(buf[8:12])),
		PayloadLen: binary.LittleEndian.Uint64(buf[12:20]),
	}, nil
}

// ReadPayload reads exactly n bytes of streamed payload following a header.
func ReadPayload(r io.Reader, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: short payload read: %w", err)
	}
	return buf, nil
}
