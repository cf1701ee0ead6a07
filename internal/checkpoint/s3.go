package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	cargoshipaws "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

// S3Config names the object-store target used for an S3-backed
// checkpoint store, mirroring the teacher's storage/s3 Config trimmed of
// the cost-optimization/tiering fields XPN's checkpoint use case doesn't
// need (it just needs a bucket/prefix to land shard checkpoints in).
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Store checkpoints shard data to an S3-compatible object store,
// adapted from the teacher's storage/s3 Backend: same client
// construction and CargoShip transporter wiring, narrowed from a
// general-purpose object-store backend (GetObject/PutObject/ListObjects/
// DeleteObject) down to the Put/Get pair CHECKPOINT/PRELOAD need.
type S3Store struct {
	client      *s3.Client
	transporter *cargoships3.Transporter
	bucket      string
	prefix      string
}

// NewS3Store builds an S3Store, matching the teacher's NewBackend:
// load AWS config, construct the client with any endpoint override, then
// wire a CargoShip transporter over it for checkpoint uploads (one object
// per Put; uploads are not batched).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("checkpoint: s3 store requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	cargoConfig := cargoshipaws.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       cargoshipaws.StorageClassStandard,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        4,
	}
	transporter := cargoships3.NewTransporter(client, cargoConfig)

	return &S3Store{client: client, transporter: transporter, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) Name() string { return "s3://" + s.bucket + "/" + s.prefix }

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put writes data at offset into key's single checkpoint object, matching
// LocalStore's contract: one contiguous, byte-addressable target per key,
// not one object per chunk. S3 has no in-place range write, so this reads
// whatever is already at objectKey (treating a missing object as empty),
// grows the buffer to cover offset+len(data), splices data in, and
// re-uploads the whole object through the CargoShip transporter. A shard
// checkpointed across several handleCheckpoint chunks (§4.9) therefore
// still lands in one object that Get can range-read from directly,
// instead of the chunks scattering across '<key>.<offset>' siblings Get
// never looked at.
func (s *S3Store) Put(ctx context.Context, key string, offset int64, data []byte) error {
	objectKey := s.objectKey(key)
	current, err := s.getObject(ctx, objectKey)
	if err != nil {
		return err
	}
	current = spliceAt(current, offset, data)

	if s.transporter != nil {
		archive := cargoships3.Archive{
			Key:          objectKey,
			Reader:       bytes.NewReader(current),
			Size:         int64(len(current)),
			StorageClass: cargoshipaws.StorageClassStandard,
			Metadata:     map[string]string{"xpn-checkpoint": "true"},
		}
		if _, err := s.transporter.Upload(ctx, archive); err == nil {
			return nil
		}
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(current),
		ContentLength: aws.Int64(int64(len(current))),
	})
	return err
}

// spliceAt returns current with data overlaid starting at offset, growing
// current with zero bytes first if it doesn't already reach that far. This
// is the part of Put that keeps successive chunks of the same shard
// (handleCheckpoint's per-MaxBufferSize Put calls) landing in one
// contiguous buffer instead of one object per chunk.
func spliceAt(current []byte, offset int64, data []byte) []byte {
	need := offset + int64(len(data))
	if int64(len(current)) < need {
		grown := make([]byte, need)
		copy(grown, current)
		current = grown
	}
	copy(current[offset:], data)
	return current
}

// getObject returns the current contents of objectKey, or nil if it
// doesn't exist yet (a fresh checkpoint target).
func (s *S3Store) getObject(ctx context.Context, objectKey string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Get downloads length bytes at offset from key's checkpoint object.
func (s *S3Store) Get(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	objectKey := s.objectKey(key)
	rangeHeader := aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
		Range:  rangeHeader,
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
