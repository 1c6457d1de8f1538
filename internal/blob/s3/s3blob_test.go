package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// memBlobs is an in-memory domain.ObjectStore.
type memBlobs struct {
	mu     sync.Mutex
	objs   map[string][]byte
	puts   int
	larges int
}

func newMemBlobs() *memBlobs { return &memBlobs{objs: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutLarge(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.larges++
	m.mu.Unlock()
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Open(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objs[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Keys(_ context.Context, prefix string) ([]domain.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ObjectInfo
	for p, b := range m.objs {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.ObjectInfo{Key: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

type fakeMarkets []domain.Market

func (f fakeMarkets) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range f {
		if m.IsSettled && m.SettledAt != nil && m.SettledAt.Before(before) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeClaims map[uint64][]domain.ClaimRecord

func (f fakeClaims) ListByMarket(_ context.Context, id uint64) ([]domain.ClaimRecord, error) {
	return f[id], nil
}

type fakeAudit struct{ events []string }

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) History(context.Context, uint64, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func settledAt(t time.Time) *time.Time { return &t }

func TestArchiveSettledMarkets(t *testing.T) {
	jan := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
	markets := fakeMarkets{
		{ID: 1, IsSettled: true, WinningOutcome: domain.OutcomeYes, SettledAt: settledAt(jan)},
		{ID: 2, IsSettled: true, WinningOutcome: domain.OutcomeNo, SettledAt: settledAt(feb)},
		{ID: 3},
	}
	claims := fakeClaims{1: {{MarketID: 1, Claimant: "alice", Claimed: true, Amount: 7}}}
	blobs := newMemBlobs()
	audit := &fakeAudit{}
	a := NewMarketArchiver(blobs, markets, claims, audit)
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	n, err := a.ArchiveSettledMarkets(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"archive.markets"}, audit.events)

	body, err := blobs.Open(ctx, "archive/markets/2025-01.jsonl")
	require.NoError(t, err)
	recs, err := unmarshalJSONL[ArchivedMarket](body)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Market.ID)
	require.Len(t, recs[0].Claims, 1)
	assert.Equal(t, uint64(7), recs[0].Claims[0].Amount)

	files, err := a.Files(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "archive/markets/2025-01.jsonl", files[0].Key)
	assert.Equal(t, "archive/markets/2025-02.jsonl", files[1].Key)
	assert.Zero(t, blobs.larges)

	// A second run rewrites the files without duplicating lines.
	n, err = a.ArchiveSettledMarkets(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	body, err = blobs.Open(ctx, "archive/markets/2025-01.jsonl")
	require.NoError(t, err)
	recs, err = unmarshalJSONL[ArchivedMarket](body)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestArchiveNothingToDo(t *testing.T) {
	blobs := newMemBlobs()
	audit := &fakeAudit{}
	a := NewMarketArchiver(blobs, fakeMarkets{{ID: 1}}, fakeClaims{}, audit)

	n, err := a.ArchiveSettledMarkets(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, blobs.puts)
	assert.Empty(t, audit.events)
}

func TestMetadataPublish(t *testing.T) {
	blobs := newMemBlobs()
	p := NewMetadataPublisher(blobs, "https://cdn.example.com/")
	ctx := context.Background()

	url, err := p.Publish(ctx, 42, json.RawMessage(`{ "question": "Will it rain?" }`))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/markets/42/metadata.json", url)
	assert.JSONEq(t, `{"question":"Will it rain?"}`, string(blobs.objs["markets/42/metadata.json"]))

	_, err = p.Publish(ctx, 43, json.RawMessage(`{`))
	assert.Error(t, err)

	long := NewMetadataPublisher(blobs, "https://"+strings.Repeat("a", domain.MaxMetadataURLLen))
	_, err = long.Publish(ctx, 44, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrMetadataTooLong)
	_, ok := blobs.objs["markets/44/metadata.json"]
	assert.False(t, ok)
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"https://s3.example.com", false, "https://s3.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"minio:9000", true, "https://minio:9000"},
		{"e2.idrivee2.com", true, "https://e2.idrivee2.com"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, normaliseEndpoint(tt.endpoint, tt.ssl))
		})
	}
}
