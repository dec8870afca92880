package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebtf/entmatch/internal/config"
	"github.com/thebtf/entmatch/internal/matcher"
	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/internal/store/memory"
	"github.com/thebtf/entmatch/pkg/models"
)

// mapEmbedder returns fixed 2-d vectors per text.
type mapEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m *mapEmbedder) Dimensions() int { return 2 }

func (m *mapEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := m.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

// companyVectors gives Apple Inc / Apple Incorporated a similarity of 0.95
// and both a similarity of 0 with Banana Co.
func companyVectors() map[string][]float32 {
	return map[string][]float32{
		"Apple Inc":          {1, 0},
		"Apple Incorporated": {0.95, 0.31224990},
		"Banana Co":          {0, 1},
	}
}

// downStore fails every read the way an unreachable backend does.
type downStore struct {
	*memory.Store
}

func (d downStore) Ping(context.Context) error {
	return store.Unavailable("ping", fmt.Errorf("connection refused"))
}

func (d downStore) ListClusters(context.Context) ([]*models.ClusterRecord, error) {
	return nil, store.Unavailable("list clusters", fmt.Errorf("connection refused"))
}

type testEnv struct {
	svc      *Service
	store    store.VectorStore
	embedder *mapEmbedder
}

// newTestService builds a ready service over a memory store.
func newTestService(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	return newTestServiceWithStore(t, memory.New(), mutate)
}

func newTestServiceWithStore(t *testing.T, s store.VectorStore, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.StoreBackend = config.BackendMemory
	if mutate != nil {
		mutate(cfg)
	}

	emb := &mapEmbedder{vectors: companyVectors()}
	engine, err := matcher.New(s, emb, matcher.Config{
		Threshold:    cfg.SimilarityThreshold,
		MaxClusters:  cfg.MaxClusters,
		MaxBatchSize: cfg.MaxBatchSize,
	})
	require.NoError(t, err)

	svc, err := NewService(Options{Version: "test-version", Config: cfg, Engine: engine, Store: s})
	require.NoError(t, err)
	t.Cleanup(func() { svc.cancel() })

	return &testEnv{svc: svc, store: s, embedder: emb}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.svc.Handler().ServeHTTP(rr, req)
	return rr
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}
