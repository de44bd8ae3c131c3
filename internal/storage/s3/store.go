// Package s3 keeps snapshots and parquet table sources in an S3-compatible
// bucket through minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nlquery/nlquery/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// objects is one bucket as seen by Store. Keys are already absolute within
// the bucket.
type objects interface {
	put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (storage.ObjectInfo, error)
	get(ctx context.Context, key string) (io.ReadCloser, error)
	list(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	ensure(ctx context.Context) error
}

// Store roots every key under an optional prefix so several deployments can
// share one bucket.
type Store struct {
	objects objects
	root    string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	endpoint, opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	mc, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	store := newStore(&bucketObjects{client: mc, bucket: bucket, region: opts.Region}, cfg.Prefix)
	if cfg.AutoCreateBucket {
		if err := store.objects.ensure(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newStore(bucket objects, prefix string) *Store {
	root := strings.Trim(strings.TrimSpace(prefix), "/")
	if root != "" {
		root = path.Clean(root)
	}
	if root == "." {
		root = ""
	}
	return &Store{objects: bucket, root: root}
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	full, err := s.resolve(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.objects.put(ctx, full, body, size, opts.ContentType)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", full, err)
	}
	info.Key = s.relative(info.Key)
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.objects.get(ctx, full)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return nil, storage.ErrObjectNotFound
	case err != nil:
		return nil, fmt.Errorf("get object %q: %w", full, err)
	}
	return reader, nil
}

// List returns keys relative to the store root, so they can be passed back to
// Get unchanged.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	full := strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	if s.root != "" {
		full = s.root + "/" + full
	}
	found, err := s.objects.list(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("list objects %q: %w", full, err)
	}
	for i := range found {
		found[i].Key = s.relative(found[i].Key)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Key < found[j].Key })
	return found, nil
}

// resolve turns a caller key into a bucket key, refusing anything that would
// escape the root.
func (s *Store) resolve(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	if s.root == "" {
		return cleaned, nil
	}
	return s.root + "/" + cleaned, nil
}

func (s *Store) relative(key string) string {
	if s.root == "" {
		return key
	}
	return strings.TrimPrefix(key, s.root+"/")
}

// clientOptions splits an endpoint that may carry a scheme. An https scheme
// forces TLS regardless of UseSSL.
func clientOptions(cfg Config) (string, *minio.Options, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return "", nil, fmt.Errorf("s3 endpoint is required")
	}
	host, secure := raw, cfg.UseSSL
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", nil, fmt.Errorf("parse endpoint URL: %w", err)
		}
		if parsed.Host == "" {
			return "", nil, fmt.Errorf("endpoint host is required")
		}
		host = parsed.Host
		secure = secure || parsed.Scheme == "https"
	}
	return host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	}, nil
}

type bucketObjects struct {
	client *minio.Client
	bucket string
	region string
}

func (b *bucketObjects) put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	uploaded, err := b.client.PutObject(ctx, b.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storage.ObjectInfo{}, notFound(err)
	}
	return storage.ObjectInfo{Key: uploaded.Key, Size: uploaded.Size, ETag: uploaded.ETag}, nil
}

// get stats the object first; GetObject alone defers a missing key until the
// first Read.
func (b *bucketObjects) get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, notFound(err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, notFound(err)
	}
	return obj, nil
}

func (b *bucketObjects) list(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, notFound(obj.Err)
		}
		out = append(out, storage.ObjectInfo{Key: obj.Key, Size: obj.Size, ETag: obj.ETag, LastModified: obj.LastModified})
	}
	return out, nil
}

func (b *bucketObjects) ensure(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region}); err != nil {
		return fmt.Errorf("create bucket %q: %w", b.bucket, err)
	}
	return nil
}

func notFound(err error) error {
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		switch response.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return storage.ErrObjectNotFound
		}
	}
	return err
}
