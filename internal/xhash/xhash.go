// Package xhash implements the path-to-shard hasher: a pure function
// mapping a logical pathname to a server index. Servers and clients must
// agree exactly on this computation for master-shard location to resolve
// identically, so the hash is part of the wire contract, not an
// implementation detail.
package xhash

import "strings"

// Hash maps path to a server index in [0, n). When isFile is true the hash
// runs over the last path component (the file's own name); when false it
// runs over the parent directory's last component, so that every entry
// inside a directory resolves to the same owning server as the directory
// itself.
//
// Grounded on xpn_path::hash: sum of byte values of the chosen component,
// modulo n.
func Hash(path string, n int, isFile bool) int {
	name := component(path, isFile)

	sum := 0
	for i := 0; i < len(name); i++ {
		sum += int(name[i])
	}

	if n <= 0 {
		return sum
	}
	return sum % n
}

// component extracts the path segment xpn_path::hash hashes over.
func component(path string, isFile bool) string {
	if isFile {
		if idx := lastSlash(path); idx >= 0 {
			return path[idx+1:]
		}
		return path
	}

	parent := path
	if idx := lastSlash(path); idx >= 0 {
		parent = path[:idx]
	} else {
		return path
	}

	if idx := lastSlash(parent); idx >= 0 {
		return parent[idx+1:]
	}
	return parent
}

func lastSlash(path string) int {
	return strings.LastIndexAny(path, "/\\")
}

// FirstDir returns the first path component, skipping leading separators,
// mirroring xpn_path::get_first_dir.
func FirstDir(path string) string {
	start := 0
	for start < len(path) && isSep(path[start]) {
		start++
	}
	end := start
	for end < len(path) && !isSep(path[end]) {
		end++
	}
	if start < end {
		return path[start:end]
	}
	return ""
}

// RemoveFirstDir strips the first path component and any separators that
// follow it, mirroring xpn_path::remove_first_dir.
func RemoveFirstDir(path string) string {
	start := 0
	for start < len(path) && isSep(path[start]) {
		start++
	}
	end := start
	for end < len(path) && !isSep(path[end]) {
		end++
	}
	for end < len(path) && isSep(path[end]) {
		end++
	}
	if end < len(path) {
		return path[end:]
	}
	return ""
}

func isSep(b byte) bool { return b == '/' || b == '\\' }
