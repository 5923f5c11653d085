package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// Bucket is the subset of a bucket handle GCSBlobstore needs. Missing objects are
// reported with errors for which errors.Is(err, os.ErrNotExist) is true.
type Bucket interface {
	Exists(ctx context.Context, key string) (bool, error)
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)
	NewWriter(ctx context.Context, key string) io.WriteCloser
	Close() error
}

// GCSBlobstore stores models in a Google Cloud Storage bucket.
type GCSBlobstore struct {
	Bucket string

	// OpenBucket returns the bucket to use for one operation; nil opens it with
	// application default credentials.
	OpenBucket func(ctx context.Context, name string) (Bucket, error)
}

var _ Blobstore = (*GCSBlobstore)(nil)

func (j *GCSBlobstore) url(key string) string {
	return "gs://" + j.Bucket + "/" + key
}

func (j *GCSBlobstore) open(ctx context.Context) (Bucket, error) {
	if j.OpenBucket != nil {
		return j.OpenBucket(ctx, j.Bucket)
	}
	return openGCSBucket(ctx, j.Bucket)
}

// Upload stores the model at sourcePath under info.Key. Keys are content hashes, so an
// existing object is left alone.
func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)
	gcsURL := j.url(info.Key)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	bucket, err := j.open(ctx)
	if err != nil {
		return err
	}
	defer bucket.Close()

	exists, err := bucket.Exists(ctx, info.Key)
	if err != nil {
		return fmt.Errorf("checking for %q: %w", gcsURL, err)
	}
	if exists {
		log.Info("model already in GCS", "url", gcsURL)
		return nil
	}

	log.Info("uploading model to GCS", "source", sourcePath, "destination", gcsURL)
	startedAt := time.Now()

	w := bucket.NewWriter(ctx, info.Key)
	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return fmt.Errorf("uploading to %q: %w", gcsURL, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing upload to %q: %w", gcsURL, err)
	}

	log.Info("uploaded model to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)
	gcsURL := j.url(info.Key)

	bucket, err := j.open(ctx)
	if err != nil {
		return err
	}
	defer bucket.Close()

	log.Info("downloading model from GCS", "source", gcsURL, "destination", destinationPath)
	startedAt := time.Now()

	r, err := bucket.NewReader(ctx, info.Key)
	if err != nil {
		return fmt.Errorf("opening %q: %w", gcsURL, err)
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading %q: %w", gcsURL, err)
	}

	log.Info("downloaded model from GCS", "source", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

// gcsBucket is a Bucket backed by the Cloud Storage client.
type gcsBucket struct {
	client *storage.Client
	handle *storage.BucketHandle
}

func openGCSBucket(ctx context.Context, name string) (Bucket, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return &gcsBucket{client: client, handle: client.Bucket(name)}, nil
}

func (b *gcsBucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.handle.Object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (b *gcsBucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.handle.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %w", os.ErrNotExist, err)
	}
	return r, err
}

func (b *gcsBucket) NewWriter(ctx context.Context, key string) io.WriteCloser {
	w := b.handle.Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return w
}

func (b *gcsBucket) Close() error {
	return b.client.Close()
}
