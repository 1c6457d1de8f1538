package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// SettledMarketLister is the slice of domain.MarketStore the archiver reads.
type SettledMarketLister interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Market, error)
}

// ClaimLister is the slice of domain.ClaimStore the archiver reads.
type ClaimLister interface {
	ListByMarket(ctx context.Context, marketID uint64) ([]domain.ClaimRecord, error)
}

const (
	archivePrefix    = "archive/markets/"
	jsonlContentType = "application/x-ndjson"

	// Archive files at or above this size go through a multipart upload.
	largeArchiveSize = 16 << 20
)

// ArchivedMarket is one JSONL line of a market archive file.
type ArchivedMarket struct {
	Market     domain.Market        `json:"market"`
	Claims     []domain.ClaimRecord `json:"claims"`
	ArchivedAt time.Time            `json:"archived_at"`
}

// MarketArchiver implements domain.Archiver. Settled markets are grouped by
// the month they settled in and merged into archive/markets/YYYY-MM.jsonl,
// keyed by market id, so repeated runs rewrite a file rather than duplicate
// its lines. Records stay in the primary store.
type MarketArchiver struct {
	store   domain.ObjectStore
	markets SettledMarketLister
	claims  ClaimLister
	audit   domain.AuditStore
	now     func() time.Time
}

// NewMarketArchiver creates a MarketArchiver.
func NewMarketArchiver(
	store domain.ObjectStore,
	markets SettledMarketLister,
	claims ClaimLister,
	audit domain.AuditStore,
) *MarketArchiver {
	return &MarketArchiver{
		store:   store,
		markets: markets,
		claims:  claims,
		audit:   audit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveSettledMarkets archives every market settled before the cutoff and
// returns how many were not in the archive yet.
func (a *MarketArchiver) ArchiveSettledMarkets(ctx context.Context, before time.Time) (int64, error) {
	markets, err := a.markets.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets query: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.Market)
	for _, m := range markets {
		settled := m.UpdatedAt
		if m.SettledAt != nil {
			settled = *m.SettledAt
		}
		path := archivePath(settled)
		byMonth[path] = append(byMonth[path], m)
	}

	paths := make([]string, 0, len(byMonth))
	for p := range byMonth {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var added int64
	for _, path := range paths {
		n, err := a.archiveFile(ctx, path, byMonth[path])
		if err != nil {
			return added, err
		}
		added += n
	}

	if err := a.audit.Log(ctx, "archive.markets", map[string]any{
		"files":  paths,
		"count":  added,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return added, fmt.Errorf("s3blob: archive markets audit log: %w", err)
	}
	return added, nil
}

func (a *MarketArchiver) archiveFile(ctx context.Context, path string, markets []domain.Market) (int64, error) {
	existing, err := a.load(ctx, path)
	if err != nil {
		return 0, err
	}

	var added int64
	for _, m := range markets {
		claims, err := a.claims.ListByMarket(ctx, m.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive claims of market %d: %w", m.ID, err)
		}
		if _, ok := existing[m.ID]; !ok {
			added++
		}
		existing[m.ID] = ArchivedMarket{Market: m, Claims: claims, ArchivedAt: a.now()}
	}

	records := make([]ArchivedMarket, 0, len(existing))
	for _, rec := range existing {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Market.ID < records[j].Market.ID })

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets marshal: %w", err)
	}
	if len(buf) >= largeArchiveSize {
		err = a.store.PutLarge(ctx, path, bytes.NewReader(buf), int64(len(buf)))
	} else {
		err = a.store.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets upload: %w", err)
	}
	return added, nil
}

// Files lists the market archive files written so far.
func (a *MarketArchiver) Files(ctx context.Context) ([]domain.ObjectInfo, error) {
	files, err := a.store.Keys(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })
	return files, nil
}

// load reads an existing archive file into a map keyed by market id. A
// missing file yields an empty map.
func (a *MarketArchiver) load(ctx context.Context, path string) (map[uint64]ArchivedMarket, error) {
	out := make(map[uint64]ArchivedMarket)
	body, err := a.store.Open(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive markets load %s: %w", path, err)
	}
	defer body.Close()

	records, err := unmarshalJSONL[ArchivedMarket](body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive markets parse %s: %w", path, err)
	}
	for _, rec := range records {
		out[rec.Market.ID] = rec
	}
	return out, nil
}

// archivePath builds the key of a monthly archive file, for example
// archive/markets/2025-01.jsonl.
func archivePath(at time.Time) string {
	return archivePrefix + at.UTC().Format("2006-01") + ".jsonl"
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL[T any](r io.Reader) ([]T, error) {
	var out []T
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("jsonl decode line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

var _ domain.Archiver = (*MarketArchiver)(nil)
