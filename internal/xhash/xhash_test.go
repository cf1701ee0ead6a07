package xhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	a := Hash("/mnt/xpn/dir/file.txt", 4, true)
	b := Hash("/mnt/xpn/dir/file.txt", 4, true)
	require.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 4)
}

func TestHashFileVsDirComponent(t *testing.T) {
	// A file and entries inside the same directory must hash to the same
	// server as the directory itself: isFile selects the file's own last
	// component, isFile=false selects the parent's.
	dirServer := Hash("/mnt/xpn/dir", 8, true)
	entryServer := Hash("/mnt/xpn/dir/child.txt", 8, false)
	assert.Equal(t, dirServer, entryServer)
}

func TestHashZeroServers(t *testing.T) {
	assert.NotPanics(t, func() {
		Hash("/a/b", 0, true)
	})
}

func TestFirstDir(t *testing.T) {
	cases := map[string]string{
		"/a/b/c":  "a",
		"a/b/c":   "a",
		"//a/b":   "a",
		"a":       "a",
		"":        "",
		"/":       "",
	}
	for in, want := range cases {
		assert.Equal(t, want, FirstDir(in), "input %q", in)
	}
}

func TestRemoveFirstDir(t *testing.T) {
	cases := map[string]string{
		"/a/b/c": "b/c",
		"a/b/c":  "b/c",
		"a":      "",
		"a/":     "",
		"":       "",
	}
	for in, want := range cases {
		assert.Equal(t, want, RemoveFirstDir(in), "input %q", in)
	}
}
