package client

import "context"

// Opendir implements spec.md §4.9's opendir(path): opens a directory
// handle on every server, since each mirrors the full logical hierarchy
// and readdir must concatenate entries from all of them.
func (c *Client) Opendir(ctx context.Context, path string) (int, error) {
	n := c.serverCount()
	handles := make([]subhandle, n)
	for i := 0; i < n; i++ {
		h, err := c.server(i).Opendir(ctx, path)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = c.server(j).Closedir(ctx, handles[j].handle)
			}
			return -1, err
		}
		handles[i] = subhandle{server: i, ws: true, handle: h}
	}

	f := &File{path: path, dirHandles: handles, dirSeen: map[string]bool{}, refs: 1}
	c.mu.Lock()
	fd := c.registry.Insert(f)
	c.mu.Unlock()
	return fd, nil
}

// Readdir returns the next not-yet-seen entry name across every server's
// directory handle in partition order, or "" once all are exhausted
// (§4.9: "queries each server in partition order, concatenating entries,
// duplicates filtered").
func (c *Client) Readdir(ctx context.Context, fd int) (string, error) {
	f, err := c.lookup(fd)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.dirIdx < len(f.dirHandles) {
		sub := f.dirHandles[f.dirIdx]
		name, err := c.server(sub.server).Readdir(ctx, sub.handle)
		if err != nil {
			return "", err
		}
		if name == "" {
			_ = c.server(sub.server).Closedir(ctx, sub.handle)
			f.dirIdx++
			continue
		}
		if f.dirSeen[name] {
			continue
		}
		f.dirSeen[name] = true
		return name, nil
	}
	return "", nil
}

// Closedir releases every server-side directory handle still open for
// fd (a caller may Close before draining Readdir to exhaustion).
func (c *Client) Closedir(ctx context.Context, fd int) error {
	c.mu.Lock()
	f, err := c.registry.Lookup(fd)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.registry.Remove(fd)
	c.mu.Unlock()

	var firstErr error
	for i := f.dirIdx; i < len(f.dirHandles); i++ {
		if err := c.server(f.dirHandles[i].server).Closedir(ctx, f.dirHandles[i].handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
