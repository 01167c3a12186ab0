// Package assetstore defines the gateway to the remote asset store that holds
// book covers and book files, and helpers shared by its backends.
package assetstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/patric-chuzhbe/elib/internal/models"
)

// Kind selects how the store treats an upload.
type Kind string

const (
	// KindImage assets may be processed by the store.
	KindImage Kind = "image"
	// KindRaw assets are stored byte for byte.
	KindRaw Kind = "raw"
)

// UploadRequest describes one local file to push.
type UploadRequest struct {
	LocalPath string
	Folder    string
	Name      string
	Format    string
	Kind      Kind
}

// Gateway is implemented by every asset store backend.
// Upload returns the public URL of the stored asset.
type Gateway interface {
	Upload(ctx context.Context, req UploadRequest) (string, error)
	Destroy(ctx context.Context, remoteURL string, kind Kind) error
}

// ErrInvalidURL is returned when no public id can be derived from a URL.
var ErrInvalidURL = errors.New("remote URL has no public id")

// PublicIDFromURL derives the store identifier from a public URL: the last
// two path segments, that is folder and file name. The extension is dropped
// for images and kept for raw assets.
func PublicIDFromURL(remoteURL string, kind Kind) (string, error) {
	parsed, err := url.Parse(remoteURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-1] == "" || segments[len(segments)-2] == "" {
		return "", ErrInvalidURL
	}

	folder := segments[len(segments)-2]
	name := segments[len(segments)-1]
	if kind == KindImage {
		name = strings.TrimSuffix(name, path.Ext(name))
	}

	return folder + "/" + name, nil
}

// UploadError marks err as an upload failure.
func UploadError(err error) error {
	if err == nil || errors.Is(err, models.ErrUpload) {
		return err
	}
	return models.WrapError(models.ErrUpload, "Failed to upload file", err)
}

// DeleteError marks err as a destroy failure.
func DeleteError(err error) error {
	if err == nil || errors.Is(err, models.ErrDelete) {
		return err
	}
	return models.WrapError(models.ErrDelete, "Failed to delete file", err)
}

type timeoutGateway struct {
	Gateway
	timeout time.Duration
}

// Timeout bounds every Upload and Destroy call of g. A non positive d returns g unchanged.
func Timeout(g Gateway, d time.Duration) Gateway {
	if d <= 0 {
		return g
	}
	return &timeoutGateway{Gateway: g, timeout: d}
}

func (t *timeoutGateway) Upload(ctx context.Context, req UploadRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	remoteURL, err := t.Gateway.Upload(ctx, req)
	if err != nil {
		return "", UploadError(err)
	}

	return remoteURL, nil
}

func (t *timeoutGateway) Destroy(ctx context.Context, remoteURL string, kind Kind) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return DeleteError(t.Gateway.Destroy(ctx, remoteURL, kind))
}
