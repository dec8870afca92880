package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/entmatch/pkg/similarity"
)

// fakeEmbeddingServer answers /embeddings with vectors built by fn, in reverse index order.
func fakeEmbeddingServer(t *testing.T, fn func(req openAIEmbedRequest) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIEmbedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		status, body := fn(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type item struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

func TestOpenAIModel_EmbedBatch(t *testing.T) {
	srv := fakeEmbeddingServer(t, func(req openAIEmbedRequest) (int, any) {
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 2, req.Dimensions)
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: []float32{float32(i), 1}, Index: i})
		}
		return http.StatusOK, map[string]any{"data": data, "model": req.Model}
	})

	m, err := NewOpenAIModel(Options{BaseURL: srv.URL + "/", APIKey: "test-key", Dimensions: 2})
	require.NoError(t, err)
	defer m.Close()

	vecs, err := m.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0], "results must follow input order")
	}
	assert.Equal(t, OpenAIModelVersion, m.Version())
	assert.Equal(t, 2, m.Dimensions())
}

func TestOpenAIModel_EmptyInput(t *testing.T) {
	m, err := NewOpenAIModel(Options{APIKey: "test-key"})
	require.NoError(t, err)

	vecs, err := m.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Equal(t, OpenAIDefaultDimension, m.Dimensions())
}

func TestOpenAIModel_HTTPError(t *testing.T) {
	srv := fakeEmbeddingServer(t, func(req openAIEmbedRequest) (int, any) {
		return http.StatusInternalServerError, map[string]string{"error": "boom"}
	})

	m, err := NewOpenAIModel(Options{BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)

	_, err = m.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbedderFailure)
	assert.Contains(t, err.Error(), "status=500")
}

func TestOpenAIModel_CountMismatch(t *testing.T) {
	srv := fakeEmbeddingServer(t, func(req openAIEmbedRequest) (int, any) {
		return http.StatusOK, map[string]any{"data": []item{{Embedding: []float32{1}, Index: 0}}}
	})

	m, err := NewOpenAIModel(Options{BaseURL: srv.URL, APIKey: "test-key", Model: "custom"})
	require.NoError(t, err)

	_, err = m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbedderFailure)

	var ce *ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, -1, ce.Index)
}

func TestOpenAIModel_DuplicateIndex(t *testing.T) {
	srv := fakeEmbeddingServer(t, func(req openAIEmbedRequest) (int, any) {
		return http.StatusOK, map[string]any{"data": []item{
			{Embedding: []float32{1, 0}, Index: 0},
			{Embedding: []float32{0, 1}, Index: 0},
		}}
	})

	m, err := NewOpenAIModel(Options{BaseURL: srv.URL, APIKey: "test-key", Dimensions: 2})
	require.NoError(t, err)

	_, err = m.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbedderFailure)

	var ce *ContractError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "index 0 at position 1")
}

func TestOpenAIModel_SplitsLargeBatches(t *testing.T) {
	var requests atomic.Int32
	srv := fakeEmbeddingServer(t, func(req openAIEmbedRequest) (int, any) {
		requests.Add(1)
		assert.LessOrEqual(t, len(req.Input), openAIMaxInputs)
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			n, err := strconv.Atoi(req.Input[i])
			assert.NoError(t, err)
			data = append(data, item{Embedding: []float32{float32(n), 1}, Index: i})
		}
		return http.StatusOK, map[string]any{"data": data}
	})

	m, err := NewOpenAIModel(Options{BaseURL: srv.URL, APIKey: "test-key", Dimensions: 2})
	require.NoError(t, err)

	texts := make([]string, 2*openAIMaxInputs+10)
	for i := range texts {
		texts[i] = strconv.Itoa(i)
	}

	vecs, err := m.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		require.Equal(t, float32(i), v[0], "result %d out of order", i)
	}
	assert.Equal(t, int32(3), requests.Load())
}

func TestOpenAIModel_ContextCanceled(t *testing.T) {
	srv := fakeEmbeddingServer(t, func(req openAIEmbedRequest) (int, any) {
		return http.StatusOK, map[string]any{"data": []item{}}
	})

	m, err := NewOpenAIModel(Options{BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.EmbedBatch(ctx, []string{"a"})
	assert.ErrorIs(t, err, ErrEmbedderFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIModel_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIModel(Options{})
	assert.Error(t, err)
}

func TestNgramModel(t *testing.T) {
	m, err := NewNgramModel(Options{Dimensions: 256})
	require.NoError(t, err)
	assert.Equal(t, 256, m.Dimensions())

	vecs, err := m.EmbedBatch(context.Background(), []string{
		"Apple Inc", "apple inc", "Apple Incorporated", "Banana Co",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 4)

	for _, v := range vecs {
		assert.NoError(t, similarity.CheckUnit(v, 256))
	}

	assert.Equal(t, vecs[0], vecs[1], "embedding is case-insensitive")
	near := similarity.Dot(vecs[0], vecs[2])
	far := similarity.Dot(vecs[0], vecs[3])
	assert.Greater(t, near, far)
	assert.Greater(t, near, 0.5)
}

func TestNgramModel_PunctuationOnly(t *testing.T) {
	m, err := NewNgramModel(Options{})
	require.NoError(t, err)
	assert.Equal(t, NgramDefaultDimension, m.Dimensions())

	vecs, err := m.EmbedBatch(context.Background(), []string{"&", " & ", "!!!"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.NoError(t, similarity.CheckUnit(v, NgramDefaultDimension))
	}
	assert.Equal(t, vecs[0], vecs[1], "surrounding whitespace is ignored")
	assert.NotEqual(t, vecs[0], vecs[2])
}

func TestNgramModel_NoFeatures(t *testing.T) {
	m, err := NewNgramModel(Options{})
	require.NoError(t, err)

	_, err = m.EmbedBatch(context.Background(), []string{"ok", " \t "})
	require.Error(t, err)

	var ce *ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.ErrorIs(t, err, ErrEmbedderFailure)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, OpenAIModelVersion, GetDefaultModel())

	m, err := GetModel(NgramModelVersion, Options{Dimensions: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, m.Dimensions())

	_, err = GetModel("bogus", Options{})
	assert.Error(t, err)

	models := ListModels()
	require.Len(t, models, 2)
	assert.Equal(t, NgramModelVersion, models[0].Version)
	assert.Equal(t, OpenAIModelVersion, models[1].Version)
}

func TestValidateBatch(t *testing.T) {
	unit := []float32{0.6, 0.8}

	tests := []struct {
		name    string
		vectors [][]float32
		n       int
		index   int
	}{
		{"valid", [][]float32{unit, unit}, 2, 0},
		{"count mismatch", [][]float32{unit}, 2, -1},
		{"wrong dimension", [][]float32{unit, {1, 0, 0}}, 2, 1},
		{"not normalized", [][]float32{{3, 4}}, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatch(tt.vectors, tt.n, 2)
			if tt.name == "valid" {
				assert.NoError(t, err)
				return
			}
			var ce *ContractError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.index, ce.Index)
			assert.ErrorIs(t, err, ErrEmbedderFailure)
		})
	}
}

func TestTokenCounter(t *testing.T) {
	c, err := DefaultTokenCounter()
	require.NoError(t, err)

	n, err := c.Count("hello world")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	long, err := c.Count(strings.Repeat("entity ", 300))
	require.NoError(t, err)
	assert.Greater(t, long, 256)
}
