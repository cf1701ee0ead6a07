// Package session implements the server-side session table: the mapping
// from a (connection, handle key) pair to an open local resource (file
// descriptor, directory cursor) in session mode, or to nothing at all in
// sessionless mode where the dispatcher opens, acts, and closes per request.
package session

import (
	"os"
	"sync"

	"github.com/dariomnz/xpn/pkg/xerrors"
)

// Mode distinguishes WS (with-session, fd persists) from WOS (without
// session, the server reopens per request).
type Mode int

const (
	ModeSession Mode = iota
	ModeSessionless
)

// Entry is one open resource the table tracks for a connection.
type Entry struct {
	Key       uint64
	LocalPath string
	Mode      Mode

	File *os.File
	Dir  *os.File // directory cursor; Go has no DIR* handle, a re-openable *os.File plays that role

	// TellDir holds a directory read position, mirroring the original's
	// telldir cursor. The dispatcher never sets or reads it: READDIR is
	// served only in session mode, from Dir.
	TellDir int64
}

// Table is the per-connection session table: one handler goroutine per
// accepted channel owns a Table, so contention is expected to be low, but
// a mutex still guards it because a single connection can in principle
// issue pipelined requests (e.g. async flush alongside a read).
type Table struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]*Entry
}

// New creates an empty session table. Keys start at 1 so 0 can mean "no
// handle" on the wire.
func New() *Table {
	return &Table{next: 1, entries: map[uint64]*Entry{}}
}

// Open mints a new handle key for e and stores it.
func (t *Table) Open(e *Entry) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.next
	t.next++
	e.Key = key
	t.entries[key] = e
	return key
}

// Lookup returns the entry for key, or ENOENT if it has no open handle.
func (t *Table) Lookup(key uint64) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil, xerrors.New(xerrors.ENOENT, "session_lookup", "no such handle")
	}
	return e, nil
}

// Close removes key from the table and closes any OS resource it held.
func (t *Table) Close(key uint64) error {
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok {
		return xerrors.New(xerrors.ENOENT, "session_close", "no such handle")
	}
	var err error
	if e.File != nil {
		err = e.File.Close()
	}
	if e.Dir != nil {
		if derr := e.Dir.Close(); err == nil {
			err = derr
		}
	}
	if err != nil {
		return xerrors.Wrap(xerrors.EIO, "session_close", err)
	}
	return nil
}

// CloseAll tears down every open handle, used when a channel disconnects.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = map[uint64]*Entry{}
	t.mu.Unlock()

	for _, e := range entries {
		if e.File != nil {
			_ = e.File.Close()
		}
		if e.Dir != nil {
			_ = e.Dir.Close()
		}
	}
}

// Len reports the number of live handles, used by tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
