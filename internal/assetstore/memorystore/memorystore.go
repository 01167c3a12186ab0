// Package memorystore is an in-process asset store used in development and tests.
package memorystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/patric-chuzhbe/elib/internal/assetstore"
)

var ErrNoSuchAsset = errors.New("no such asset")

// Store keeps uploaded bytes keyed by public URL.
type Store struct {
	sync.RWMutex
	baseURL string
	assets  map[string][]byte
}

func New(baseURL string) *Store {
	if baseURL == "" {
		baseURL = "memory://assets"
	}
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		assets:  map[string][]byte{},
	}
}

func (s *Store) Upload(ctx context.Context, req assetstore.UploadRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", assetstore.UploadError(err)
	}

	data, err := os.ReadFile(req.LocalPath)
	if err != nil {
		return "", assetstore.UploadError(fmt.Errorf("in internal/assetstore/memorystore/memorystore.go/Upload(): error while `os.ReadFile()` calling: %w", err))
	}

	name := strings.TrimSuffix(req.Name, path.Ext(req.Name))
	if req.Format != "" {
		name += "." + req.Format
	}
	remoteURL := s.baseURL + "/" + string(req.Kind) + "/" + strings.Trim(req.Folder, "/") + "/" + name

	s.Lock()
	defer s.Unlock()
	s.assets[remoteURL] = data

	return remoteURL, nil
}

func (s *Store) Destroy(ctx context.Context, remoteURL string, kind assetstore.Kind) error {
	if err := ctx.Err(); err != nil {
		return assetstore.DeleteError(err)
	}
	if _, err := assetstore.PublicIDFromURL(remoteURL, kind); err != nil {
		return assetstore.DeleteError(err)
	}

	s.Lock()
	defer s.Unlock()
	if _, ok := s.assets[remoteURL]; !ok {
		return assetstore.DeleteError(ErrNoSuchAsset)
	}
	delete(s.assets, remoteURL)

	return nil
}

// Get returns a copy of the stored bytes.
func (s *Store) Get(remoteURL string) ([]byte, bool) {
	s.RLock()
	defer s.RUnlock()
	data, ok := s.assets[remoteURL]
	if !ok {
		return nil, false
	}

	return append([]byte(nil), data...), true
}

// Len returns the number of stored assets.
func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.assets)
}
