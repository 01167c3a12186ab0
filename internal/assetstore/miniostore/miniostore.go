// Package miniostore is the asset store backend for S3 compatible object
// storage.
package miniostore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/patric-chuzhbe/elib/internal/assetstore"
	"github.com/patric-chuzhbe/elib/internal/logger"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store keeps assets as objects named folder/name.format in one bucket.
type Store struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// New connects to the store and creates the bucket when it is missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("in internal/assetstore/miniostore/miniostore.go/New(): error while `minio.New()` calling: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("in internal/assetstore/miniostore/miniostore.go/New(): error while `client.BucketExists()` calling: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("in internal/assetstore/miniostore/miniostore.go/New(): error while `client.MakeBucket()` calling: %w", err)
		}
		logger.Log.Infow("bucket created", "bucket", cfg.Bucket)
	}

	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(client.EndpointURL().String(), "/"),
	}, nil
}

func (s *Store) Upload(ctx context.Context, req assetstore.UploadRequest) (string, error) {
	key := ObjectKey(req)
	_, err := s.client.FPutObject(ctx, s.bucket, key, req.LocalPath, minio.PutObjectOptions{
		ContentType: contentType(req),
	})
	if err != nil {
		return "", assetstore.UploadError(fmt.Errorf("in internal/assetstore/miniostore/miniostore.go/Upload(): error while `s.client.FPutObject()` calling: %w", err))
	}

	return s.baseURL + "/" + s.bucket + "/" + key, nil
}

func (s *Store) Destroy(ctx context.Context, remoteURL string, _ assetstore.Kind) error {
	// object keys always carry the extension
	key, err := assetstore.PublicIDFromURL(remoteURL, assetstore.KindRaw)
	if err != nil {
		return assetstore.DeleteError(err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return assetstore.DeleteError(fmt.Errorf("in internal/assetstore/miniostore/miniostore.go/Destroy(): error while `s.client.RemoveObject()` calling: %w", err))
	}

	return nil
}

// ObjectKey is folder/name with the requested format as extension.
func ObjectKey(req assetstore.UploadRequest) string {
	name := req.Name
	if req.Format != "" {
		name = strings.TrimSuffix(name, path.Ext(name)) + "." + req.Format
	}
	if req.Folder == "" {
		return name
	}

	return strings.Trim(req.Folder, "/") + "/" + name
}

func contentType(req assetstore.UploadRequest) string {
	if req.Kind == assetstore.KindImage && req.Format != "" {
		return "image/" + req.Format
	}
	if req.Format == "pdf" {
		return "application/pdf"
	}
	return "application/octet-stream"
}
