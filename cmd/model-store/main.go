package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/zwpku/torchann-plumed/pkg/blobs"
	"github.com/zwpku/torchann-plumed/pkg/config"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/model-store/models"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	klog.InitFlags(nil)
	flag.Parse()

	cacheDir, err := config.ExpandHome(cacheDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	cacheBucket := os.Getenv("CACHE_BUCKET")
	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var")
	}

	var blobstore blobs.Blobstore
	if strings.HasPrefix(cacheBucket, "gs://") {
		cacheBucket = strings.TrimPrefix(cacheBucket, "gs://")
		log.Info("using GCS cache", "bucket", cacheBucket)

		blobstore = &blobs.GCSBlobstore{
			Bucket: cacheBucket,
		}
	} else {
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	}

	s := &httpServer{
		blobCache: &blobCache{
			BaseDir:   cacheDir,
			blobstore: blobstore,
		},
	}

	log.Info("serving models", "listen", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			s.serveGETBlob(w, r, tokens[0])
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

// Models are stored under the hex sha256 of their content, optionally followed by the
// extension that selects their encoding.
var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}(\.[a-z]+)?$`)

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	if !keyPattern.MatchString(key) {
		http.Error(w, "invalid model key", http.StatusBadRequest)
		return
	}

	p, err := s.blobCache.GetBlob(ctx, key)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting model", "key", key)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.V(2).Info("serving model", "path", p)
	http.ServeFile(w, r, p)
}

// blobCache keeps a local copy of every model served; misses are filled from the blobstore.
type blobCache struct {
	BaseDir   string
	blobstore blobs.BlobReader

	group singleflight.Group
}

// GetBlob returns the local path of the model stored under key.
func (c *blobCache) GetBlob(ctx context.Context, key string) (string, error) {
	localPath := filepath.Join(c.BaseDir, key)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking model %q: %w", key, err)
	}

	_, err, _ := c.group.Do(key, func() (any, error) {
		return nil, c.blobstore.Download(ctx, blobs.BlobInfo{Key: key}, localPath)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", status.Errorf(codes.NotFound, "model %q not found", key)
		}
		return "", fmt.Errorf("fetching model %q: %w", key, err)
	}
	return localPath, nil
}
