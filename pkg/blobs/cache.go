package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

const (
	defaultMaxDownloadAttempts = 3
	defaultRetryDelay          = 5 * time.Second
)

// ModelCache turns model references into local paths. Local paths are returned unchanged;
// gs:// and http(s):// references are downloaded once into Dir.
type ModelCache struct {
	Dir string

	// MaxDownloadAttempts is the number of times to attempt a download before failing.
	MaxDownloadAttempts int
	RetryDelay          time.Duration

	// NewReader picks the reader for a remote reference; nil uses ReaderForURL.
	NewReader func(u *url.URL) (BlobReader, BlobInfo, error)

	group singleflight.Group
}

// IsRemote reports whether ref names a model that has to be downloaded.
func IsRemote(ref string) bool {
	for _, prefix := range []string{"gs://", "http://", "https://"} {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

// ReaderForURL returns the reader and object key for gs://bucket/key and
// http(s)://host/prefix/key references.
func ReaderForURL(u *url.URL) (BlobReader, BlobInfo, error) {
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, BlobInfo{}, fmt.Errorf("no object in %q", u)
	}
	switch u.Scheme {
	case "gs":
		return &GCSBlobstore{Bucket: u.Host}, BlobInfo{Key: key}, nil
	case "http", "https":
		dir, file := path.Split(u.Path)
		base := *u
		base.Path = dir
		return &ModelServer{BaseURL: &base}, BlobInfo{Key: file}, nil
	default:
		return nil, BlobInfo{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func parseRef(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing model reference %q: %w", ref, err)
	}
	return u, nil
}

// CachePath is where a remote reference is stored. The extension is kept because it selects
// the model encoding.
func (c *ModelCache) CachePath(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	ext := path.Ext(ref)
	if u, err := url.Parse(ref); err == nil {
		ext = path.Ext(u.Path)
	}
	return filepath.Join(c.Dir, hex.EncodeToString(sum[:])+ext)
}

// Resolve returns a local path for ref. Concurrent calls for the same reference share one
// download.
func (c *ModelCache) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsRemote(ref) {
		return ref, nil
	}

	destPath := c.CachePath(ref)
	if _, err := os.Stat(destPath); err == nil {
		klog.FromContext(ctx).V(2).Info("model found in cache", "ref", ref, "path", destPath)
		return destPath, nil
	}

	_, err, _ := c.group.Do(destPath, func() (any, error) {
		return nil, c.download(ctx, ref, destPath)
	})
	if err != nil {
		return "", err
	}
	return destPath, nil
}

func (c *ModelCache) download(ctx context.Context, ref string, destPath string) error {
	log := klog.FromContext(ctx)

	u, err := parseRef(ref)
	if err != nil {
		return err
	}
	newReader := c.NewReader
	if newReader == nil {
		newReader = ReaderForURL
	}
	reader, info, err := newReader(u)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", c.Dir, err)
	}

	maxAttempts := c.MaxDownloadAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxDownloadAttempts
	}
	retryDelay := c.RetryDelay
	if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}

	attempt := 0
	for {
		attempt++

		err := reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		if attempt >= maxAttempts || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("downloading %q: %w", ref, err)
		}

		log.Error(err, "downloading model, will retry", "ref", ref, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}
