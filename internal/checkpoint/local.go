package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore is the common case: a shared POSIX directory (a parallel
// filesystem or NFS mount every server can reach) used as the
// checkpoint target. Adapted from the teacher's storage/s3 Backend's
// GetObject/PutObject read/write shape, operating on os.File instead of
// an S3 client.
type LocalStore struct {
	Root string
}

// NewLocalStore returns a Store rooted at dir, creating it if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &LocalStore{Root: dir}, nil
}

func (s *LocalStore) Name() string { return "local:" + s.Root }

// keyPath maps a shard's logical path to a file under Root, matching the
// teacher's detectContentType-adjacent key-to-object-name mapping but
// for a filesystem target instead of an S3 bucket key.
func (s *LocalStore) keyPath(key string) string {
	clean := filepath.Clean("/" + strings.TrimPrefix(key, "/"))
	return filepath.Join(s.Root, clean)
}

// Put writes data at offset into key's checkpoint file, creating parent
// directories and the file itself as needed (strided writes from
// multiple servers interleave into the same shared file by offset,
// matching §4.9's "concatenation of all servers' contributions").
func (s *LocalStore) Put(ctx context.Context, key string, offset int64, data []byte) error {
	full := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

// Get reads length bytes at offset from key's checkpoint file.
func (s *LocalStore) Get(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	f, err := os.Open(s.keyPath(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}
