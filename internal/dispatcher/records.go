package dispatcher

import (
	"encoding/binary"
	"fmt"
)

// maxPath bounds the inline path field carried in every path-based record,
// mirroring the original protocol's fixed PATH_MAX-sized char arrays.
const maxPath = 4096

func putPath(buf []byte, off int, path string) int {
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(path)))
	off += 4
	copy(buf[off:off+maxPath], path)
	return off + maxPath
}

func getPath(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", 0, fmt.Errorf("dispatcher: record too short for path length")
	}
	n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if n > maxPath || off+maxPath > len(buf) {
		return "", 0, fmt.Errorf("dispatcher: path length %d out of range", n)
	}
	return string(buf[off : off+n]), off + maxPath, nil
}

// OpenRecord covers OPEN_WS/WOS and CREAT_WS/WOS.
type OpenRecord struct {
	Path  string
	Flags uint32
	Mode  uint32
}

const openRecordSize = 4 + maxPath + 4 + 4

func (r OpenRecord) Encode() []byte {
	buf := make([]byte, openRecordSize)
	off := putPath(buf, 0, r.Path)
	binary.LittleEndian.PutUint32(buf[off:off+4], r.Flags)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], r.Mode)
	return buf
}

func DecodeOpenRecord(buf []byte) (OpenRecord, error) {
	path, off, err := getPath(buf, 0)
	if err != nil {
		return OpenRecord{}, err
	}
	if off+8 > len(buf) {
		return OpenRecord{}, fmt.Errorf("dispatcher: short open record")
	}
	return OpenRecord{
		Path:  path,
		Flags: binary.LittleEndian.Uint32(buf[off : off+4]),
		Mode:  binary.LittleEndian.Uint32(buf[off+4 : off+8]),
	}, nil
}

// HandleOffsetSizeRecord covers READ_WS/WRITE_WS (session mode: handle
// identifies the already-open resource) and the offset/size pair every
// read/write shares.
type HandleOffsetSizeRecord struct {
	Handle uint64
	Offset int64
	Size   int64
}

const handleOffsetSizeRecordSize = 8 + 8 + 8

func (r HandleOffsetSizeRecord) Encode() []byte {
	buf := make([]byte, handleOffsetSizeRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.Handle)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Offset))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.Size))
	return buf
}

func DecodeHandleOffsetSizeRecord(buf []byte) (HandleOffsetSizeRecord, error) {
	if len(buf) < handleOffsetSizeRecordSize {
		return HandleOffsetSizeRecord{}, fmt.Errorf("dispatcher: short handle/offset/size record")
	}
	return HandleOffsetSizeRecord{
		Handle: binary.LittleEndian.Uint64(buf[0:8]),
		Offset: int64(binary.LittleEndian.Uint64(buf[8:16])),
		Size:   int64(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// PathOffsetSizeRecord covers READ_WOS/WRITE_WOS: sessionless ops carry the
// path instead of a handle, since there is no session entry to look one up
// in.
type PathOffsetSizeRecord struct {
	Path   string
	Offset int64
	Size   int64
}

const pathOffsetSizeRecordSize = 4 + maxPath + 8 + 8

func (r PathOffsetSizeRecord) Encode() []byte {
	buf := make([]byte, pathOffsetSizeRecordSize)
	off := putPath(buf, 0, r.Path)
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(r.Offset))
	binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(r.Size))
	return buf
}

func DecodePathOffsetSizeRecord(buf []byte) (PathOffsetSizeRecord, error) {
	path, off, err := getPath(buf, 0)
	if err != nil {
		return PathOffsetSizeRecord{}, err
	}
	if off+16 > len(buf) {
		return PathOffsetSizeRecord{}, fmt.Errorf("dispatcher: short path/offset/size record")
	}
	return PathOffsetSizeRecord{
		Path:   path,
		Offset: int64(binary.LittleEndian.Uint64(buf[off : off+8])),
		Size:   int64(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
	}, nil
}

// HandleRecord covers CLOSE_WS, CLOSEDIR, and READDIR (session mode).
type HandleRecord struct {
	Handle uint64
}

const handleRecordSize = 8

func (r HandleRecord) Encode() []byte {
	buf := make([]byte, handleRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.Handle)
	return buf
}

func DecodeHandleRecord(buf []byte) (HandleRecord, error) {
	if len(buf) < handleRecordSize {
		return HandleRecord{}, fmt.Errorf("dispatcher: short handle record")
	}
	return HandleRecord{Handle: binary.LittleEndian.Uint64(buf[0:8])}, nil
}

// PathRecord covers RM, MKDIR, RMDIR, OPENDIR, GETATTR, FLUSH, PRELOAD,
// CHECKPOINT, and STATVFS.
type PathRecord struct {
	Path string
	Mode uint32
}

const pathRecordSize = 4 + maxPath + 4

func (r PathRecord) Encode() []byte {
	buf := make([]byte, pathRecordSize)
	off := putPath(buf, 0, r.Path)
	binary.LittleEndian.PutUint32(buf[off:off+4], r.Mode)
	return buf
}

func DecodePathRecord(buf []byte) (PathRecord, error) {
	path, off, err := getPath(buf, 0)
	if err != nil {
		return PathRecord{}, err
	}
	if off+4 > len(buf) {
		return PathRecord{}, fmt.Errorf("dispatcher: short path record")
	}
	return PathRecord{Path: path, Mode: binary.LittleEndian.Uint32(buf[off : off+4])}, nil
}

// RenameRecord covers RENAME.
type RenameRecord struct {
	OldPath string
	NewPath string
}

const renameRecordSize = (4 + maxPath) * 2

func (r RenameRecord) Encode() []byte {
	buf := make([]byte, renameRecordSize)
	off := putPath(buf, 0, r.OldPath)
	putPath(buf, off, r.NewPath)
	return buf
}

func DecodeRenameRecord(buf []byte) (RenameRecord, error) {
	oldPath, off, err := getPath(buf, 0)
	if err != nil {
		return RenameRecord{}, err
	}
	newPath, _, err := getPath(buf, off)
	if err != nil {
		return RenameRecord{}, err
	}
	return RenameRecord{OldPath: oldPath, NewPath: newPath}, nil
}

// SetattrRecord covers SETATTR and WRITE_MDATA_FILE_SIZE.
type SetattrRecord struct {
	Path string
	Size int64
	Mode uint32
}

const setattrRecordSize = 4 + maxPath + 8 + 4

func (r SetattrRecord) Encode() []byte {
	buf := make([]byte, setattrRecordSize)
	off := putPath(buf, 0, r.Path)
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(r.Size))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], r.Mode)
	return buf
}

func DecodeSetattrRecord(buf []byte) (SetattrRecord, error) {
	path, off, err := getPath(buf, 0)
	if err != nil {
		return SetattrRecord{}, err
	}
	if off+12 > len(buf) {
		return SetattrRecord{}, fmt.Errorf("dispatcher: short setattr record")
	}
	return SetattrRecord{
		Path: path,
		Size: int64(binary.LittleEndian.Uint64(buf[off : off+8])),
		Mode: binary.LittleEndian.Uint32(buf[off+8 : off+12]),
	}, nil
}

// AttrResponse is the encoded GETATTR/fstat-equivalent reply.
type AttrResponse struct {
	Size    int64
	Mode    uint32
	IsDir   bool
	ModTime int64 // unix nanos
}

const attrResponseSize = 8 + 4 + 1 + 8

func (a AttrResponse) Encode() []byte {
	buf := make([]byte, attrResponseSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(a.Size))
	binary.LittleEndian.PutUint32(buf[8:12], a.Mode)
	if a.IsDir {
		buf[12] = 1
	}
	binary.LittleEndian.PutUint64(buf[13:21], uint64(a.ModTime))
	return buf
}

func DecodeAttrResponse(buf []byte) (AttrResponse, error) {
	if len(buf) < attrResponseSize {
		return AttrResponse{}, fmt.Errorf("dispatcher: short attr response")
	}
	return AttrResponse{
		Size:    int64(binary.LittleEndian.Uint64(buf[0:8])),
		Mode:    binary.LittleEndian.Uint32(buf[8:12]),
		IsDir:   buf[12] != 0,
		ModTime: int64(binary.LittleEndian.Uint64(buf[13:21])),
	}, nil
}
