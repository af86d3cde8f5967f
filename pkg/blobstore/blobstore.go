// Package blobstore implements the content-addressed Blob Store Adapter (C1):
// put/get/head/delete/list over an S3-compatible backend, with deterministic
// content addressing, bounded exponential-backoff retries, and coarse-grained
// retention epochs.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// Tags is the required metadata tag set from spec §6.
type Tags struct {
	Owner          string
	Category       string
	Topic          string
	Importance     float64
	ContentType    string
	ContentSize    int64
	ContentHash    string
	CreatedMS      int64
	IsEncrypted    bool
	EncryptionType string
	Extra          map[string]string
}

// PutResult is returned by [Store.Put].
type PutResult struct {
	Address           string
	Size              int64
	StoredAt          time.Time
	RetentionEpochEnd time.Time
}

// Store is the Blob Store Adapter contract (spec §4.1).
type Store interface {
	// Put writes data under its content-addressed key and returns the
	// address. Idempotent: putting identical bytes twice returns the same
	// address.
	Put(ctx context.Context, data []byte, tags Tags) (PutResult, error)

	// Get fetches bytes and tags for address. Returns memerr.ErrNotFound if
	// address does not exist.
	Get(ctx context.Context, address string) ([]byte, Tags, error)

	// Head fetches only tags, without downloading the body.
	Head(ctx context.Context, address string) (Tags, error)

	// Delete removes the blob. Deletion may lag; see spec §4.1. Returns false
	// if the address was already absent.
	Delete(ctx context.Context, address string) (bool, error)

	// List enumerates addresses matching ownerFilter (required) and an
	// optional tagFilter, paginated by cursor.
	List(ctx context.Context, ownerFilter string, tagFilter map[string]string, limit int, cursor string) (addresses []string, nextCursor string, err error)
}

// Config configures an [S3Store].
type Config struct {
	Bucket         string
	RequestTimeout time.Duration
	MaxRetries     int
	RetentionEpoch time.Duration
}

// s3API is the subset of *s3.Client that [S3Store] depends on, so tests can
// substitute a fake.
type s3API interface {
	manager.UploadAPIClient
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store implements [Store] over an S3-compatible object store, wrapping the
// AWS SDK's Uploader/Downloader for efficient large-object transfer.
type S3Store struct {
	client     s3API
	uploader   *manager.Uploader
	downloader *manager.Downloader
	cfg        Config
}

// NewS3Store builds an [S3Store] from an *s3.Client and [Config].
func NewS3Store(client *s3.Client, cfg Config) *S3Store {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RetentionEpoch <= 0 {
		cfg.RetentionEpoch = 30 * 24 * time.Hour
	}
	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		cfg:        cfg,
	}
}

var _ Store = (*S3Store)(nil)

// ContentAddress returns the deterministic address for data: its hex-encoded
// SHA-256 digest. Addresses are always ≤ 128 chars per spec §6.
func ContentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// withRetry runs op and retries it with exponential backoff up to
// cfg.MaxRetries times after the first attempt,
// surfacing memerr.ErrStorageUnavailable on final failure. Only transient
// errors should be returned by op; callers distinguish NotFound explicitly
// before calling withRetry again.
func (s *S3Store) withRetry(ctx context.Context, name string, op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.MaxRetries))
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil {
			slog.Warn("blobstore operation failed, retrying",
				"op", name, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("blobstore: %s: %w: %v", name, memerr.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *S3Store) tagsToMetadata(t Tags) map[string]string {
	md := map[string]string{
		"owner":           t.Owner,
		"category":        t.Category,
		"topic":           t.Topic,
		"importance":      fmt.Sprintf("%g", t.Importance),
		"content_type":    t.ContentType,
		"content_size":    fmt.Sprintf("%d", t.ContentSize),
		"content_hash":    t.ContentHash,
		"created_ms":      fmt.Sprintf("%d", t.CreatedMS),
		"is_encrypted":    fmt.Sprintf("%t", t.IsEncrypted),
		"encryption_type": t.EncryptionType,
	}
	for k, v := range t.Extra {
		md["extra_"+k] = v
	}
	return md
}

func metadataToTags(md map[string]string) Tags {
	t := Tags{
		Owner:          md["owner"],
		Category:       md["category"],
		Topic:          md["topic"],
		ContentType:    md["content_type"],
		ContentHash:    md["content_hash"],
		EncryptionType: md["encryption_type"],
		Extra:          map[string]string{},
	}
	fmt.Sscanf(md["importance"], "%g", &t.Importance)
	fmt.Sscanf(md["content_size"], "%d", &t.ContentSize)
	fmt.Sscanf(md["created_ms"], "%d", &t.CreatedMS)
	t.IsEncrypted = md["is_encrypted"] == "true"
	for k, v := range md {
		const prefix = "extra_"
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			t.Extra[k[len(prefix):]] = v
		}
	}
	return t
}

// Put implements [Store].
func (s *S3Store) Put(ctx context.Context, data []byte, tags Tags) (PutResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	address := ContentAddress(data)
	tags.ContentSize = int64(len(data))
	tags.ContentHash = address
	now := time.Now()

	err := s.withRetry(ctx, "put", func() error {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(s.cfg.Bucket),
			Key:      aws.String(address),
			Body:     bytes.NewReader(data),
			Metadata: s.tagsToMetadata(tags),
		})
		return err
	})
	if err != nil {
		return PutResult{}, err
	}

	return PutResult{
		Address:           address,
		Size:              tags.ContentSize,
		StoredAt:          now,
		RetentionEpochEnd: now.Add(s.cfg.RetentionEpoch),
	}, nil
}

// Get implements [Store].
func (s *S3Store) Get(ctx context.Context, address string) ([]byte, Tags, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(address),
	})
	if isNotFound(err) {
		return nil, Tags{}, fmt.Errorf("blobstore: get %s: %w", address, memerr.ErrNotFound)
	}
	if err != nil {
		return nil, Tags{}, fmt.Errorf("blobstore: head %s: %w: %v", address, memerr.ErrStorageUnavailable, err)
	}

	buf := manager.NewWriteAtBuffer(nil)
	retryErr := s.withRetry(ctx, "get", func() error {
		_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(address),
		})
		return err
	})
	if retryErr != nil {
		return nil, Tags{}, retryErr
	}

	return buf.Bytes(), metadataToTags(head.Metadata), nil
}

// Head implements [Store].
func (s *S3Store) Head(ctx context.Context, address string) (Tags, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(address),
	})
	if isNotFound(err) {
		return Tags{}, fmt.Errorf("blobstore: head %s: %w", address, memerr.ErrNotFound)
	}
	if err != nil {
		return Tags{}, fmt.Errorf("blobstore: head %s: %w: %v", address, memerr.ErrStorageUnavailable, err)
	}
	return metadataToTags(head.Metadata), nil
}

// Delete implements [Store]. Per spec §4.1, deletion may lag: a successful
// delete followed by Head must *eventually* return NotFound, not necessarily
// immediately.
func (s *S3Store) Delete(ctx context.Context, address string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	_, err := s.Head(ctx, address)
	if errors.Is(err, memerr.ErrNotFound) {
		return false, nil
	}

	retryErr := s.withRetry(ctx, "delete", func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(address),
		})
		return err
	})
	if retryErr != nil {
		return false, retryErr
	}
	return true, nil
}

// List implements [Store], filtering by the "owner" metadata tag client-side
// since S3 metadata is not queryable server-side.
func (s *S3Store) List(ctx context.Context, ownerFilter string, tagFilter map[string]string, limit int, cursor string) ([]string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}

	var out *s3.ListObjectsV2Output
	retryErr := s.withRetry(ctx, "list", func() error {
		var err error
		out, err = s.client.ListObjectsV2(ctx, in)
		return err
	})
	if retryErr != nil {
		return nil, "", retryErr
	}

	var addresses []string
	for _, obj := range out.Contents {
		address := aws.ToString(obj.Key)
		if ownerFilter != "" || len(tagFilter) > 0 {
			head, err := s.Head(ctx, address)
			if err != nil {
				continue
			}
			if ownerFilter != "" && head.Owner != ownerFilter {
				continue
			}
			if !matchesTagFilter(head, tagFilter) {
				continue
			}
		}
		addresses = append(addresses, address)
	}

	var next string
	if out.IsTruncated != nil && *out.IsTruncated {
		next = aws.ToString(out.NextContinuationToken)
	}
	return addresses, next, nil
}

func matchesTagFilter(t Tags, filter map[string]string) bool {
	for k, v := range filter {
		switch k {
		case "category":
			if t.Category != v {
				return false
			}
		case "topic":
			if t.Topic != v {
				return false
			}
		default:
			if t.Extra[k] != v {
				return false
			}
		}
	}
	return true
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var noKey *types.NoSuchKey
	return errors.As(err, &noKey)
}
