package storage

import (
	"context"
	"io"
	"time"
)

// Object is one listed storage entry.
type Object struct {
	Key          string
	LastModified time.Time
}

// ObjectStore is the object-storage capability the engine orchestrates:
// list keys under a prefix and fetch one object as a byte stream.
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}
