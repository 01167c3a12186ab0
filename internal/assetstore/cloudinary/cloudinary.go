// Package cloudinary is the asset store backend talking to the Cloudinary
// upload API.
package cloudinary

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/patric-chuzhbe/elib/internal/assetstore"
	"github.com/patric-chuzhbe/elib/internal/logger"
)

// Config holds the account credentials.
type Config struct {
	BaseURL   string
	Cloud     string
	APIKey    string
	APISecret string
}

// Store uploads to and destroys assets in one Cloudinary cloud.
type Store struct {
	client    *resty.Client
	cloud     string
	apiKey    string
	apiSecret string
	now       func() time.Time
}

type uploadResponse struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
}

type destroyResponse struct {
	Result string `json:"result"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func New(cfg Config) *Store {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json")

	return &Store{
		client:    client,
		cloud:     cfg.Cloud,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		now:       time.Now,
	}
}

// Upload pushes one local file. Images go through the image pipeline, raw
// assets are stored untouched.
func (s *Store) Upload(ctx context.Context, req assetstore.UploadRequest) (string, error) {
	params := map[string]string{
		"folder":    req.Folder,
		"public_id": strings.TrimSuffix(req.Name, filepath.Ext(req.Name)),
		"timestamp": strconv.FormatInt(s.now().Unix(), 10),
	}
	if req.Format != "" {
		params["format"] = req.Format
	}

	result := &uploadResponse{}
	failure := &errorResponse{}
	resp, err := s.client.R().
		SetContext(ctx).
		SetFile("file", req.LocalPath).
		SetFormData(s.signed(params)).
		SetResult(result).
		SetError(failure).
		Post(s.endpoint(req.Kind, "upload"))
	if err != nil {
		return "", assetstore.UploadError(fmt.Errorf("in internal/assetstore/cloudinary/cloudinary.go/Upload(): error while `Post()` calling: %w", err))
	}
	if resp.IsError() {
		return "", assetstore.UploadError(fmt.Errorf("cloudinary upload: status %d: %s", resp.StatusCode(), failure.Error.Message))
	}
	if result.SecureURL == "" {
		return "", assetstore.UploadError(errors.New("cloudinary upload: empty secure_url"))
	}

	logger.Log.Debugw("asset uploaded", "public_id", result.PublicID, "kind", req.Kind)

	return result.SecureURL, nil
}

// Destroy removes the asset behind remoteURL.
func (s *Store) Destroy(ctx context.Context, remoteURL string, kind assetstore.Kind) error {
	publicID, err := assetstore.PublicIDFromURL(remoteURL, kind)
	if err != nil {
		return assetstore.DeleteError(err)
	}

	params := map[string]string{
		"public_id": publicID,
		"timestamp": strconv.FormatInt(s.now().Unix(), 10),
	}

	result := &destroyResponse{}
	failure := &errorResponse{}
	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(s.signed(params)).
		SetResult(result).
		SetError(failure).
		Post(s.endpoint(kind, "destroy"))
	if err != nil {
		return assetstore.DeleteError(fmt.Errorf("in internal/assetstore/cloudinary/cloudinary.go/Destroy(): error while `Post()` calling: %w", err))
	}
	if resp.IsError() {
		return assetstore.DeleteError(fmt.Errorf("cloudinary destroy: status %d: %s", resp.StatusCode(), failure.Error.Message))
	}
	if result.Result != "ok" {
		return assetstore.DeleteError(fmt.Errorf("cloudinary destroy %s: %s", publicID, result.Result))
	}

	return nil
}

func (s *Store) endpoint(kind assetstore.Kind, action string) string {
	return fmt.Sprintf("/v1_1/%s/%s/%s", s.cloud, kind, action)
}

// signed adds api_key and signature to params.
func (s *Store) signed(params map[string]string) map[string]string {
	form := make(map[string]string, len(params)+2)
	for k, v := range params {
		if v != "" {
			form[k] = v
		}
	}
	form["signature"] = Sign(params, s.apiSecret)
	form["api_key"] = s.apiKey

	return form
}

// Sign computes the request signature: SHA-1 over the sorted key=value pairs
// joined with '&' followed by the API secret. Empty values are skipped.
func Sign(params map[string]string, apiSecret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + apiSecret))

	return hex.EncodeToString(sum[:])
}
