//go:build !gcp

package blobstore

import (
	"context"
	"fmt"
)

// NewGCSStore is unavailable without the gcp build tag.
func NewGCSStore(_ context.Context, _ string) (Store, error) {
	return nil, fmt.Errorf("blobstore: gcs backend requires a binary built with the gcp tag")
}
