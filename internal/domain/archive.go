package domain

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// ObjectStore is the bucket market metadata documents and settled-market
// archives live in. Open returns ErrNotFound for a missing key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	// PutLarge streams a body of roughly size bytes in parts.
	PutLarge(ctx context.Context, key string, body io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Keys(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Archiver copies settled markets and their claim records to cold storage.
type Archiver interface {
	ArchiveSettledMarkets(ctx context.Context, before time.Time) (int64, error)
	Files(ctx context.Context) ([]ObjectInfo, error)
}
