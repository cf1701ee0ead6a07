// Package checkpoint implements the pluggable "shared path" target that
// the server-side CHECKPOINT/PRELOAD/FLUSH opcodes copy shard data to
// and from (SPEC_FULL.md §4.12 [DOMAIN]). spec.md §4.9 describes the
// shared path as a strided copy destination "so that the concatenation
// of all servers' contributions reconstructs the logical file"; this
// package is that destination, generalized from one hardcoded shared
// directory into a Store interface with local and S3-backed
// implementations.
//
// Grounded on the teacher's internal/storage/s3 package (Backend's
// client/pool/config shape), adapted from an object-store read/write
// backend to a write-through checkpoint target keyed by shard path.
package checkpoint

import "context"

// Store is the checkpoint target contract: Put archives a shard's bytes
// under key (the shard's logical path, so every server's checkpoint
// lands at a distinguishable key even though each only holds its own
// stripes); Get restores them for PRELOAD.
type Store interface {
	Put(ctx context.Context, key string, offset int64, data []byte) error
	Get(ctx context.Context, key string, offset, length int64) ([]byte, error)
	Name() string
}
