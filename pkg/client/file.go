package client

import (
	"context"
	"sync"

	"github.com/dariomnz/xpn/internal/distpolicy"
	"github.com/dariomnz/xpn/internal/metadata"
	"github.com/dariomnz/xpn/internal/workerpool"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

// subhandle binds one open logical file to one server, per spec.md §3's
// "Subhandle" glossary entry. Replica subhandles share the same server
// slot as their primary (XPN's distribution policy already folds
// replicas into the same partition server list), so one subhandle per
// server suffices regardless of replica count.
type subhandle struct {
	server int
	ws     bool
	handle uint64 // session handle; 0 in sessionless mode
}

// File is the open-file object the client registry hands back an fd
// for: spec.md §3's "xpn_file" — logical path, cached metadata header,
// and one subhandle per server.
type File struct {
	mu sync.Mutex

	path    string
	master  int
	subs    []subhandle
	refs    int
	flags   int
	mode    uint32
	pos     int64
	header  metadata.Header
	hLoaded bool

	dirHandles []subhandle     // Opendir/Readdir/Closedir state, nil for regular files
	dirIdx     int             // index into dirHandles of the server currently being drained
	dirSeen    map[string]bool // names already yielded, for cross-server dedup
}

// readHeader fetches and decodes the metadata header from server idx's
// copy of path, without requiring an already-open File (used directly
// by Stat).
func (c *Client) readHeader(ctx context.Context, idx int, path string) (metadata.Header, error) {
	data, err := c.server(idx).Read(ctx, false, 0, path, 0, metadata.HeaderSize)
	if err != nil {
		return metadata.Header{}, err
	}
	return metadata.Decode(data)
}

// writeHeader writes h to server idx's copy of path at offset 0.
func (c *Client) writeHeader(ctx context.Context, idx int, path string, h metadata.Header) error {
	_, err := c.server(idx).Write(ctx, false, 0, path, 0, metadata.Encode(h))
	return err
}

// Open implements spec.md §4.9's open(path, flags, mode): resolves the
// master server, opens (or creates) the file on every partition server,
// and — on creation — seeds the master's metadata header.
func (c *Client) Open(ctx context.Context, path string, flags int, mode uint32) (int, error) {
	masterIdx := c.master(path, true)
	create := translateOSFlags(flags)
	sessionFile, _ := c.sessionMode()

	n := c.serverCount()
	subs := make([]subhandle, n)
	for i := 0; i < n; i++ {
		h, err := c.server(i).Open(ctx, path, create, sessionFile, mode)
		if err != nil {
			for j := 0; j < i; j++ {
				c.closeOneSubhandle(ctx, subs[j], path)
			}
			return -1, err
		}
		subs[i] = subhandle{server: i, ws: sessionFile, handle: h}
	}

	f := &File{path: path, master: masterIdx, subs: subs, refs: 1, flags: flags, mode: mode}

	h, err := c.readHeader(ctx, masterIdx, path)
	switch {
	case err == nil:
		f.header = h
		f.hLoaded = true
	case xerrors.CodeOf(err) == xerrors.ECORRUPT && create:
		f.header = metadata.Header{
			Magic:        metadata.Magic,
			Version:      metadata.Version,
			BlockSize:    uint64(c.blockSize()),
			ReplicaCount: uint32(c.replicaCount()),
			ServerCount:  uint32(n),
			MasterIndex:  uint32(masterIdx),
			FileSize:     0,
		}
		if werr := c.writeHeader(ctx, masterIdx, path, f.header); werr != nil {
			for j := 0; j < n; j++ {
				c.closeOneSubhandle(ctx, subs[j], path)
			}
			return -1, werr
		}
		f.hLoaded = true
	case xerrors.CodeOf(err) == xerrors.ECORRUPT:
		// Opened for read without ever having been written: treat as an
		// empty file rather than failing the open.
		f.hLoaded = false
	default:
		for j := 0; j < n; j++ {
			c.closeOneSubhandle(ctx, subs[j], path)
		}
		return -1, err
	}

	c.mu.Lock()
	fd := c.registry.Insert(f)
	c.mu.Unlock()
	return fd, nil
}

func (c *Client) closeOneSubhandle(ctx context.Context, s subhandle, path string) {
	if !s.ws {
		return
	}
	_ = c.server(s.server).CloseHandle(ctx, s.handle)
}

func (c *Client) closeSubhandles(ctx context.Context, f *File) {
	for _, s := range f.subs {
		c.closeOneSubhandle(ctx, s, f.path)
	}
}

// Close decrements fd's refcount (posix dup semantics: a dup'd fd needs
// as many Close calls as Open/Dup calls before the file is actually torn
// down) and releases every subhandle once it reaches zero.
func (c *Client) Close(ctx context.Context, fd int) error {
	c.mu.Lock()
	f, err := c.registry.Remove(fd)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.refs--
	done := f.refs <= 0
	f.mu.Unlock()

	if done {
		c.closeSubhandles(ctx, f)
	}
	return nil
}

// Dup implements posix dup/dup2 via the registry, bumping the target
// File's refcount so Close must be called once more before it tears
// down. A File already bound at newFd is closed first, as by Close.
func (c *Client) Dup(fd, newFd int) (int, error) {
	c.mu.Lock()
	f, err := c.registry.Lookup(fd)
	if err != nil {
		c.mu.Unlock()
		return -1, err
	}
	evicted, lerr := c.registry.Lookup(newFd)
	got, err := c.registry.Dup(fd, newFd)
	c.mu.Unlock()
	if err != nil {
		return -1, err
	}
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	if lerr == nil {
		evicted.mu.Lock()
		evicted.refs--
		done := evicted.refs <= 0
		evicted.mu.Unlock()
		if done {
			c.closeSubhandles(context.Background(), evicted)
		}
	}
	return got, nil
}

// Lseek whence values, matching os.Seek's constants (io.SeekStart etc).
const (
	SeekStart   = 0
	SeekCurrent = 1
	SeekEnd     = 2
)

// Lseek repositions fd's implicit file offset, used by callers of the
// POSIX read(2)/write(2) pair that omit an explicit offset.
func (c *Client) Lseek(ctx context.Context, fd int, offset int64, whence int) (int64, error) {
	f, err := c.lookup(fd)
	if err != nil {
		return -1, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch whence {
	case SeekStart:
		f.pos = offset
	case SeekCurrent:
		f.pos += offset
	case SeekEnd:
		size, serr := c.currentSizeLocked(ctx, f)
		if serr != nil {
			return -1, serr
		}
		f.pos = size + offset
	default:
		return -1, xerrors.New(xerrors.EINVAL, "lseek", "bad whence")
	}
	if f.pos < 0 {
		f.pos = 0
		return -1, xerrors.New(xerrors.EINVAL, "lseek", "negative resulting offset")
	}
	return f.pos, nil
}

func (c *Client) lookup(fd int) (*File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Lookup(fd)
}

func (c *Client) currentSizeLocked(ctx context.Context, f *File) (int64, error) {
	h, err := c.readHeader(ctx, f.master, f.path)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.ECORRUPT {
			return 0, nil
		}
		return 0, err
	}
	f.header = h
	f.hLoaded = true
	return int64(h.FileSize), nil
}

// Read implements spec.md §4.9's read(fd, buf, size, off): refreshes the
// cached metadata header, clamps the request to the known file size,
// fans the clamped range out across shards, and reassembles the result.
func (c *Client) Read(ctx context.Context, fd int, buf []byte, off int64) (int, error) {
	f, err := c.lookup(fd)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	size, err := c.currentSizeLocked(ctx, f)
	if err != nil {
		return 0, err
	}
	if off >= size {
		return 0, nil
	}
	length := int64(len(buf))
	if off+length > size {
		length = size - off
	}
	if length <= 0 {
		return 0, nil
	}

	frags, err := c.policy.Fragments(off, length, c.blockSize(), metadata.HeaderSize, c.serverCount(), f.master, c.replicaCount())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.EINVAL, "read", err)
	}
	primary := distpolicy.Primary(frags)

	datas := make([][]byte, len(primary))
	futures := make([]*workerpool.Future, len(primary))
	for i, frag := range primary {
		i, frag := i, frag
		futures[i] = c.pool.Launch(func() (int, error) {
			data, rerr := c.readFragment(ctx, f, frag)
			if rerr != nil {
				return 0, rerr
			}
			datas[i] = data
			return len(data), nil
		})
	}

	frags2 := make([]distpolicy.Fragment, 0, len(primary))
	datas2 := make([][]byte, 0, len(primary))
	var firstErr error
	total := 0
	for i, fut := range futures {
		r := fut.Wait()
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		frags2 = append(frags2, primary[i])
		datas2 = append(datas2, datas[i])
		total += r.N
	}
	if total == 0 && firstErr != nil {
		return 0, firstErr
	}

	if err := distpolicy.Assemble(buf[:length], off, frags2, datas2); err != nil {
		return 0, xerrors.Wrap(xerrors.EIO, "read", err)
	}
	return int(length), nil
}

// readFragment reads one fragment from its primary server, falling back
// to replicas on error (§4.2: "reads prefer the primary, falling back to
// replicas on error").
func (c *Client) readFragment(ctx context.Context, f *File, frag distpolicy.Fragment) ([]byte, error) {
	sub := f.subs[frag.Server]
	data, err := c.callRead(ctx, sub, f.path, frag.LocalOffset, frag.Length)
	if err == nil {
		return data, nil
	}
	replicas := c.replicaCount()
	for r := 1; r < replicas; r++ {
		replicaServer := (frag.Server + r) % c.serverCount()
		data, rerr := c.callRead(ctx, f.subs[replicaServer], f.path, frag.LocalOffset, frag.Length)
		if rerr == nil {
			return data, nil
		}
	}
	return nil, err
}

func (c *Client) callRead(ctx context.Context, sub subhandle, path string, offset, length int64) ([]byte, error) {
	n := c.server(sub.server)
	data, err := n.Read(ctx, sub.ws, sub.handle, path, offset, length)
	if err == nil {
		c.metrics.RecordFragment(n.Server())
	}
	return data, err
}

// Write implements spec.md §4.9's write(fd, buf, size, off): fans the
// data out to every (fragment, replica) target, then advances the
// master's file_size if the write extended the file.
func (c *Client) Write(ctx context.Context, fd int, data []byte, off int64) (int, error) {
	f, err := c.lookup(fd)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return 0, nil
	}
	frags, err := c.policy.Fragments(off, int64(len(data)), c.blockSize(), metadata.HeaderSize, c.serverCount(), f.master, c.replicaCount())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.EINVAL, "write", err)
	}

	futures := make([]*workerpool.Future, len(frags))
	for i, frag := range frags {
		frag := frag
		futures[i] = c.pool.Launch(func() (int, error) {
			chunk := data[frag.LogicalOffset-off : frag.LogicalOffset-off+frag.Length]
			sub := f.subs[frag.Server]
			srv := c.server(sub.server)
			n, werr := srv.Write(ctx, sub.ws, sub.handle, f.path, frag.LocalOffset, chunk)
			if werr == nil {
				c.metrics.RecordFragment(srv.Server())
			}
			return int(n), werr
		})
	}

	total := 0
	primaryTotal := int64(0)
	var firstErr error
	for i, fut := range futures {
		r := fut.Wait()
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		total += r.N
		if frags[i].Replica == 0 {
			primaryTotal += int64(r.N)
		}
	}
	if firstErr != nil && primaryTotal == 0 {
		return 0, firstErr
	}

	furthest := off + primaryTotal
	currentSize := int64(0)
	if f.hLoaded {
		currentSize = int64(f.header.FileSize)
	}
	if furthest > currentSize {
		if err := c.server(f.master).WriteMdataFileSize(ctx, f.path, furthest); err != nil {
			return int(primaryTotal), err
		}
		f.header.FileSize = uint64(furthest)
		f.hLoaded = true
	}
	return int(primaryTotal), firstErr
}
