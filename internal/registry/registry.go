// Package registry implements the client's process-wide file-handle
// registry: the table mapping opaque integer descriptors to open file
// objects, with posix-compatible fd allocation (smallest free, or next
// monotonic) and dup/dup2 semantics.
package registry

import (
	"sync"

	"github.com/dariomnz/xpn/pkg/xerrors"
)

// Registry is generic over the value it stores per descriptor (an
// *xpn_file*-equivalent object defined by pkg/client) so this package has
// no dependency on the higher-level client API it serves.
type Registry[T any] struct {
	mu       sync.Mutex
	entries  map[int]T
	freeList []int
	next     int
}

// New creates an empty registry. Descriptors start at 1, matching the
// fd-allocation contract's "skip any already present" rule applied from
// a clean slate.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: map[int]T{}, next: 1}
}

// Insert binds value to the smallest unused non-negative descriptor,
// preferring the free list populated by Remove, falling back to a
// monotonically increasing counter that skips any descriptor already
// present (so descriptors bound directly by Dup can't collide with it).
// Free-list entries that Dup has since re-bound are discarded.
func (r *Registry[T]) Insert(value T) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.freeList) > 0 {
		best := 0
		for i, fd := range r.freeList {
			if fd < r.freeList[best] {
				best = i
			}
		}
		fd := r.freeList[best]
		r.freeList = append(r.freeList[:best], r.freeList[best+1:]...)
		if _, taken := r.entries[fd]; taken {
			continue
		}
		r.entries[fd] = value
		return fd
	}

	for {
		if _, ok := r.entries[r.next]; !ok {
			fd := r.next
			r.next++
			r.entries[fd] = value
			return fd
		}
		r.next++
	}
}

// Lookup returns the value bound to fd, or EBADF if none exists.
func (r *Registry[T]) Lookup(fd int) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[fd]
	if !ok {
		var zero T
		return zero, xerrors.New(xerrors.EBADF, "registry_lookup", "no such descriptor")
	}
	return v, nil
}

// Remove unbinds fd in O(1) and returns it to the free list.
func (r *Registry[T]) Remove(fd int) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[fd]
	if !ok {
		var zero T
		return zero, xerrors.New(xerrors.EBADF, "registry_remove", "no such descriptor")
	}
	delete(r.entries, fd)
	r.freeList = append(r.freeList, fd)
	return v, nil
}

// Dup implements posix dup/dup2 semantics: if newFd >= 0 and already
// bound, the existing entry at newFd is silently evicted (the caller is
// responsible for closing its underlying resource first) before binding;
// if newFd < 0, a fresh descriptor is allocated via Insert.
func (r *Registry[T]) Dup(fd int, newFd int) (int, error) {
	r.mu.Lock()
	v, ok := r.entries[fd]
	r.mu.Unlock()
	if !ok {
		var zero T
		_ = zero
		return 0, xerrors.New(xerrors.EBADF, "registry_dup", "no such descriptor")
	}

	if newFd < 0 {
		return r.Insert(v), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[newFd]; exists {
		delete(r.entries, newFd)
	}
	r.entries[newFd] = v
	return newFd, nil
}

// Clean closes out the registry: the caller should have already released
// any underlying OS resources for each entry (Clean itself only forgets
// the bindings), then resets descriptor allocation back to 1.
func (r *Registry[T]) Clean() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make([]T, 0, len(r.entries))
	for _, v := range r.entries {
		values = append(values, v)
	}
	r.entries = map[int]T{}
	r.freeList = nil
	r.next = 1
	return values
}

// Len reports the number of live descriptors.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Range calls fn for every (fd, value) pair, used by reinit_vfhs-style
// membership-change handlers that need to rebuild every live handle
// against a new partition layout.
func (r *Registry[T]) Range(fn func(fd int, value T)) {
	r.mu.Lock()
	snapshot := make(map[int]T, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.Unlock()
	for fd, v := range snapshot {
		fn(fd, v)
	}
}

// Replace rebinds fd to a new value in place, used after Range rebuilds a
// handle against new partition membership.
func (r *Registry[T]) Replace(fd int, value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[fd] = value
}
