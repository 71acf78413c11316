//go:build !gcp

package store

import (
	"context"
	"fmt"
)

// GCSConfig selects the bucket backing a GCS ledger.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore is unavailable without the gcp build tag.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*ObjectStore, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
