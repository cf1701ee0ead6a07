// Package metadata implements the fixed-size metadata header every shard
// file carries: the fields clients and servers need to agree on to compute
// distribution and replication without a side-channel lookup.
package metadata

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dariomnz/xpn/pkg/xerrors"
)

const (
	// Magic identifies an XPN shard header (stored little-endian, so the
	// first four bytes on disk are 31 50 4e 58), distinguishing a real
	// shard from a stray or truncated file.
	Magic uint32 = 0x584e5031

	// Version is the only header layout this package understands.
	Version uint32 = 1

	// HeaderSize is the fixed on-disk size reserved for the header, ahead
	// of every shard's first data block. Regular files are padded with
	// zeroes out to this boundary.
	HeaderSize int64 = 4096
)

// Header is the fixed-layout metadata record stored at the start of every
// shard file. Fields are written little-endian, independent of platform
// byte order, per the wire-format redesign note.
type Header struct {
	Magic        uint32
	Version      uint32
	BlockSize    uint64
	ReplicaCount uint32
	ServerCount  uint32
	MasterIndex  uint32
	FileSize     uint64
}

const wireSize = 4 + 4 + 8 + 4 + 4 + 4 + 8 // = 36 bytes, padded to HeaderSize on disk

// Encode serializes h into a HeaderSize-length buffer, zero-padded past the
// wire-format fields.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.ReplicaCount)
	binary.LittleEndian.PutUint32(buf[20:24], h.ServerCount)
	binary.LittleEndian.PutUint32(buf[24:28], h.MasterIndex)
	binary.LittleEndian.PutUint64(buf[28:36], h.FileSize)
	return buf
}

// Decode parses a header out of buf, which must be at least wireSize bytes.
// It returns ECORRUPT if the magic or version don't match, distinguishing a
// damaged/foreign file from one that is merely missing (ENOENT is the
// caller's concern, not this package's).
func Decode(buf []byte) (Header, error) {
	var h Header
	if len(buf) < wireSize {
		return h, xerrors.New(xerrors.ECORRUPT, "decode_header", fmt.Sprintf("short header: %d bytes", len(buf)))
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.BlockSize = binary.LittleEndian.Uint64(buf[8:16])
	h.ReplicaCount = binary.LittleEndian.Uint32(buf[16:20])
	h.ServerCount = binary.LittleEndian.Uint32(buf[20:24])
	h.MasterIndex = binary.LittleEndian.Uint32(buf[24:28])
	h.FileSize = binary.LittleEndian.Uint64(buf[28:36])

	if h.Magic != Magic {
		return h, xerrors.New(xerrors.ECORRUPT, "decode_header", "bad magic")
	}
	if h.Version != Version {
		return h, xerrors.New(xerrors.ECORRUPT, "decode_header", fmt.Sprintf("unsupported version %d", h.Version))
	}
	return h, nil
}

// Store wraps a random-access byte store (a local file, a transport-backed
// shard handle) with header-aware reads and writes. The file-size race
// (concurrent writers extending the same shard) is serialized behind mu:
// the whole read-compare-write has to be one critical section, since a
// compare-and-swap on the cached size alone never prevents two WriteAt
// calls into the same underlying bytes from landing in the wrong order.
// Callers that want this protection to actually mean something must share
// one Store per shard path rather than building a fresh one per call.
type Store struct {
	ReadAt  func(p []byte, off int64) (int, error)
	WriteAt func(p []byte, off int64) (int, error)

	mu       sync.Mutex
	fileSize uint64
	loaded   bool
}

// ReadHeader reads and decodes the header at offset 0. A directory has no
// header; callers that already know isDir should skip this and use
// EmptyHeader instead.
func (s *Store) ReadHeader() (Header, error) {
	buf := make([]byte, wireSize)
	n, err := s.ReadAt(buf, 0)
	if err != nil {
		return Header{}, xerrors.Wrap(xerrors.EIO, "read_mdata", err)
	}
	if n < wireSize {
		return Header{}, xerrors.New(xerrors.ECORRUPT, "read_mdata", "short read")
	}
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	s.mu.Lock()
	s.fileSize = h.FileSize
	s.loaded = true
	s.mu.Unlock()
	return h, nil
}

// WriteHeader encodes and writes the full header at offset 0.
func (s *Store) WriteHeader(h Header) error {
	buf := Encode(h)
	if _, err := s.WriteAt(buf, 0); err != nil {
		return xerrors.Wrap(xerrors.EIO, "write_mdata", err)
	}
	s.mu.Lock()
	s.fileSize = h.FileSize
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// WriteFileSizeIfGreater updates only the file_size field, and only if
// newSize is larger than the size already on record, mirroring
// write_mdata(only_file_size): concurrent writers racing to extend a file
// must never let a short write clobber a longer one's size. The read (when
// the cached size isn't yet known), compare, and write all happen under
// mu, so two concurrent callers on the same Store can never interleave
// their WriteAt calls out of size order.
func (s *Store) WriteFileSizeIfGreater(newSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		cur := make([]byte, 8)
		if n, err := s.ReadAt(cur, 28); err == nil && n == 8 {
			s.fileSize = binary.LittleEndian.Uint64(cur)
		}
		s.loaded = true
	}
	if newSize <= s.fileSize {
		return nil
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, newSize)
	if _, err := s.WriteAt(buf, 28); err != nil {
		return xerrors.Wrap(xerrors.EIO, "write_mdata", err)
	}
	s.fileSize = newSize
	return nil
}

// FileSize returns the last known file size without touching the store.
func (s *Store) FileSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileSize
}

// EmptyHeader returns the header EISDIR shards get in place of a real one:
// directories carry no block/replica layout of their own.
func EmptyHeader() Header {
	return Header{Magic: Magic, Version: Version}
}
