package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 20 << 20
)

// ErrInvalidURL is returned for image URLs that are not absolute http(s) URLs
var ErrInvalidURL = errors.New("invalid image url")

// Fetcher downloads product images and hands them to an asset store
type Fetcher struct {
	client   *http.Client
	store    AssetStore
	logger   *slog.Logger
	maxBytes int64
}

// NewFetcher creates a fetcher writing into store
func NewFetcher(store AssetStore, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		store:    store,
		logger:   logger,
		maxBytes: DefaultMaxBytes,
	}
}

// ValidateURL checks that raw is an absolute http(s) URL
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	return nil
}

// Import downloads each URL and returns the stored references in input order.
// Failed images are logged and left out; they never fail the caller.
func (f *Fetcher) Import(ctx context.Context, sku string, urls []string) []string {
	refs := make([]string, 0, len(urls))
	for i, u := range urls {
		ref, size, err := f.Download(ctx, u, fmt.Sprintf("%s-%d", sku, i+1))
		if err != nil {
			f.logger.Warn("image download failed", "sku", sku, "url", u, "error", err)
			continue
		}
		f.logger.Debug("image stored", "sku", sku, "url", u, "ref", ref, "size", size)
		refs = append(refs, ref)
	}
	return refs
}

// Download fetches one image and stores it under name plus the source extension
func (f *Fetcher) Download(ctx context.Context, rawURL, name string) (string, string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("failed to download: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", "", err
	}
	if int64(len(data)) > f.maxBytes {
		return "", "", fmt.Errorf("image exceeds %s", formatSize(f.maxBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	key := sanitizeName(name) + extension(rawURL, contentType)
	ref, err := f.store.Put(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("failed to store image: %w", err)
	}

	return ref, formatSize(int64(len(data))), nil
}

func extension(rawURL, contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	case strings.Contains(contentType, "jpeg"):
		return ".jpg"
	}
	if u, err := url.Parse(rawURL); err == nil {
		switch ext := strings.ToLower(path.Ext(u.Path)); ext {
		case ".jpg", ".jpeg", ".png", ".webp", ".gif":
			return ext
		}
	}
	return ".jpg"
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
