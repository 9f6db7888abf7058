// Package objectstore provisions the lake bucket and archives raw API pages
// to S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/coinlake/coinlake/internal/model"
)

// Config holds the connection settings for the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// objectAPI is the subset of *minio.Client used by Store.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, error)
}

// ErrNotFound is returned by GetObject for a missing key.
var ErrNotFound = errors.New("object not found")

// minioClient adapts *minio.Client to objectAPI.
type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := c.Client.GetObject(ctx, bucket, object, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Store writes and reads objects in one bucket.
type Store struct {
	client objectAPI
	cfg    Config
	logger *slog.Logger
}

// New creates a Store backed by a minio client. No request is made until the
// first call.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newStore(minioClient{cli}, cfg, logger), nil
}

func newStore(client objectAPI, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, cfg: cfg, logger: logger}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.cfg.Bucket
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}

	err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region})
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
	}

	s.logger.Info("created bucket", "bucket", s.cfg.Bucket)
	return nil
}

// ArchivePage stores the page payload unchanged and returns its key. The key
// depends only on the asset and window, so re-archiving a page overwrites
// the previous copy.
func (s *Store) ArchivePage(ctx context.Context, page model.Page) (string, error) {
	key := s.PageKey(page)

	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key,
		bytes.NewReader(page.Payload), int64(len(page.Payload)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"asset":        page.AssetID,
				"cursor":       page.Cursor,
				"window-start": page.Window.Start.UTC().Format("2006-01-02T15:04:05Z"),
				"window-end":   page.Window.End.UTC().Format("2006-01-02T15:04:05Z"),
			},
		})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	s.logger.Debug("archived raw page", "key", key, "bytes", len(page.Payload))
	return key, nil
}

// PageKey returns the object key for a page:
// [prefix/]raw/<asset>/<yyyy>/<mm>/<dd>/<start>-<end>.json with unix seconds.
func (s *Store) PageKey(page model.Page) string {
	start := page.Window.Start.UTC()
	name := strconv.FormatInt(start.Unix(), 10) + "-" +
		strconv.FormatInt(page.Window.End.UTC().Unix(), 10) + ".json"

	return path.Join(s.cfg.Prefix, "raw", page.AssetID,
		start.Format("2006"), start.Format("01"), start.Format("02"), name)
}

// GetObject returns the full contents of key, such as a page archived by
// ArchivePage.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, objectError(key, err)
	}
	defer obj.Close()

	// minio defers the request until the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, objectError(key, err)
	}
	return data, nil
}

func objectError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("get object %s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("get object %s: %w", key, err)
}
