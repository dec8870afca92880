package matcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/internal/store/memory"
	"github.com/thebtf/entmatch/pkg/models"
)

// unit normalizes the given components into a float32 unit vector.
func unit(xs ...float64) []float32 {
	var n float64
	for _, x := range xs {
		n += x * x
	}
	n = math.Sqrt(n)
	v := make([]float32, len(xs))
	for i, x := range xs {
		v[i] = float32(x / n)
	}
	return v
}

// oneHot returns the i-th basis vector of dimension dim.
func oneHot(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

// fakeEmbedder returns fixed vectors per text.
type fakeEmbedder struct {
	dim     int
	vectors map[string][]float32
	err     error
	mangle  func([][]float32) [][]float32
	calls   atomic.Int32
}

func newFakeEmbedder(dim int, vectors map[string][]float32) *fakeEmbedder {
	return &fakeEmbedder{dim: dim, vectors: vectors}
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	if f.mangle != nil {
		out = f.mangle(out)
	}
	return out, nil
}

// byteCounter counts bytes as tokens.
type byteCounter struct{}

func (byteCounter) Count(text string) (int, error) { return len(text), nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxMentionTokens = 0
	return cfg
}

func newTestEngine(t *testing.T, s store.VectorStore, emb Embedder, cfg Config) *Engine {
	t.Helper()
	e, err := New(s, emb, cfg)
	require.NoError(t, err)
	return e
}

// seed stores a cluster with size members and the given centroid.
func seed(t *testing.T, s store.VectorStore, id string, centroid []float32, size int) {
	t.Helper()
	members := make([]string, size)
	for i := range members {
		members[i] = fmt.Sprintf("%s-%d", id, i)
	}
	require.NoError(t, s.Put(context.Background(), &models.ClusterRecord{ID: id, Centroid: centroid, Members: members}))
}

// failingStore reports every operation as unavailable.
type failingStore struct {
	*memory.Store
}

func (failingStore) ListClusters(context.Context) ([]*models.ClusterRecord, error) {
	return nil, store.Unavailable("list clusters", fmt.Errorf("connection refused"))
}

func (failingStore) Count(context.Context) (int, error) {
	return 0, store.Unavailable("count clusters", fmt.Errorf("connection refused"))
}

func (failingStore) Sizes(context.Context) ([]models.ClusterSize, error) {
	return nil, store.Unavailable("cluster sizes", fmt.Errorf("connection refused"))
}

// staleStore lists ghost records that no longer exist, like a view
// loaded just before another instance evicted them.
type staleStore struct {
	*memory.Store
	ghosts []*models.ClusterRecord
}

func (s *staleStore) ListClusters(ctx context.Context) ([]*models.ClusterRecord, error) {
	records, err := s.Store.ListClusters(ctx)
	if err != nil {
		return nil, err
	}
	return append(append([]*models.ClusterRecord{}, s.ghosts...), records...), nil
}

// racingStore creates a competing record right before the engine's
// conditional create, like another instance winning the race.
type racingStore struct {
	*memory.Store
	competitor *models.ClusterRecord
}

func (s *racingStore) PutIfAbsent(ctx context.Context, rec *models.ClusterRecord) (bool, error) {
	if s.competitor != nil && s.competitor.ID == rec.ID {
		if _, err := s.Store.PutIfAbsent(ctx, s.competitor); err != nil {
			return false, err
		}
		s.competitor = nil
	}
	return s.Store.PutIfAbsent(ctx, rec)
}

// gatedStore holds the first ListClusters call open until release is
// closed or its context ends. Later calls pass straight through.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(s *memory.Store) *gatedStore {
	return &gatedStore{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) ListClusters(ctx context.Context) ([]*models.ClusterRecord, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Store.ListClusters(ctx)
}
