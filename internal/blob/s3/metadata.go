package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// MetadataPublisher uploads a market's metadata document and returns the URL
// the market record will carry.
type MetadataPublisher struct {
	store   domain.ObjectStore
	baseURL string
}

// NewMetadataPublisher creates a publisher whose URLs are baseURL + "/" +
// object path.
func NewMetadataPublisher(store domain.ObjectStore, baseURL string) *MetadataPublisher {
	return &MetadataPublisher{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

// MetadataPath is the object key of a market's metadata document.
func MetadataPath(marketID uint64) string {
	return fmt.Sprintf("markets/%d/metadata.json", marketID)
}

// URL returns the public URL of a market's metadata document.
func (p *MetadataPublisher) URL(marketID uint64) string {
	return p.baseURL + "/" + MetadataPath(marketID)
}

// Publish validates doc as JSON, uploads it and returns its URL. The URL is
// checked against the metadata length limit before anything is written.
func (p *MetadataPublisher) Publish(ctx context.Context, marketID uint64, doc json.RawMessage) (string, error) {
	url := p.URL(marketID)
	if len(url) > domain.MaxMetadataURLLen {
		return "", fmt.Errorf("s3blob: metadata for market %d: %w", marketID, domain.ErrMetadataTooLong)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, doc); err != nil {
		return "", fmt.Errorf("s3blob: metadata for market %d is not valid JSON: %w", marketID, err)
	}
	if err := p.store.Put(ctx, MetadataPath(marketID), &compact, "application/json"); err != nil {
		return "", err
	}
	return url, nil
}
