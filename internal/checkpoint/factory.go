package checkpoint

import (
	"context"
	"fmt"
	"strings"
)

// Options carries the subset of a partition's CheckpointConfig (§4.12)
// New needs to build a concrete Store, kept independent of
// internal/config's type so this package has no dependency on it.
type Options struct {
	Kind   string // "local" or "s3"
	Path   string
	Bucket string
	Region string
	Prefix string
}

// New builds the Store named by opts.Kind, matching the partition
// config's checkpoint.kind option (SPEC_FULL.md §4.12 [DOMAIN]).
func New(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Kind) {
	case "", "local":
		path := opts.Path
		if path == "" {
			path = "/tmp/xpn-checkpoint"
		}
		return NewLocalStore(path)
	case "s3":
		return NewS3Store(ctx, S3Config{Bucket: opts.Bucket, Region: opts.Region, Endpoint: "", Prefix: opts.Prefix})
	default:
		return nil, fmt.Errorf("checkpoint: unknown store kind %q", opts.Kind)
	}
}
