//go:build gcp

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSConfig selects the bucket backing a GCS ledger.
type GCSConfig struct {
	Bucket string
	Prefix string
}

type gcsBucket struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a GCS-backed ledger store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return newObjectStore(&gcsBucket{client: client, bucket: cfg.Bucket}, cfg.Prefix), nil
}

func (b *gcsBucket) create(ctx context.Context, key string, data []byte) error {
	obj := b.client.Bucket(b.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed {
			return errObjectExists
		}
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (b *gcsBucket) read(ctx context.Context, key string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (b *gcsBucket) list(ctx context.Context, prefix, startAfter string) ([]string, error) {
	q := &storage.Query{Prefix: prefix, StartOffset: startAfter}
	it := b.client.Bucket(b.bucket).Objects(ctx, q)
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		if attrs.Name == startAfter {
			continue
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
