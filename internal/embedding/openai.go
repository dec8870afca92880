package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

const (
	OpenAIModelVersion     = "openai"
	OpenAIDefaultBaseURL   = "https://api.openai.com/v1"
	OpenAIDefaultModel     = "text-embedding-3-small"
	OpenAIDefaultDimension = 1536
	openAIHTTPTimeout      = 30 * time.Second

	// openAIMaxInputs is the number of inputs sent in one /embeddings request.
	openAIMaxInputs = 256
	// openAIMaxConcurrency bounds in-flight requests for one batch.
	openAIMaxConcurrency = 4
)

type openAIModel struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	modelName  string
	dimensions int
}

// Compile-time check that openAIModel implements EmbeddingModel
var _ EmbeddingModel = (*openAIModel)(nil)

type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
	Dimensions     int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        "OpenAI Compatible",
		Version:     OpenAIModelVersion,
		Dimensions:  OpenAIDefaultDimension,
		Description: "OpenAI-compatible embedding via REST API (supports LiteLLM proxy)",
		Default:     true,
	}, NewOpenAIModel)
}

// NewOpenAIModel creates a client for an OpenAI-compatible /embeddings endpoint.
func NewOpenAIModel(opts Options) (EmbeddingModel, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("EMBEDDING_API_KEY is required for openai provider")
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = OpenAIDefaultBaseURL
	}
	modelName := opts.Model
	if modelName == "" {
		modelName = OpenAIDefaultModel
	}
	dimensions := opts.Dimensions
	if dimensions <= 0 {
		dimensions = OpenAIDefaultDimension
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = openAIHTTPTimeout
	}

	return &openAIModel{
		client:     &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		modelName:  modelName,
		dimensions: dimensions,
	}, nil
}

func (m *openAIModel) Name() string    { return m.modelName }
func (m *openAIModel) Version() string { return OpenAIModelVersion }
func (m *openAIModel) Dimensions() int { return m.dimensions }
func (m *openAIModel) Close() error    { return nil }

// EmbedBatch splits texts into requests of at most openAIMaxInputs inputs
// and runs them concurrently. Results follow input order.
func (m *openAIModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(openAIMaxConcurrency)
	for start := 0; start < len(texts); start += openAIMaxInputs {
		start := start
		end := min(start+openAIMaxInputs, len(texts))
		g.Go(func() error {
			vecs, err := m.embedRequest(gctx, texts[start:end])
			if err != nil {
				return Failure("openai embed", err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (m *openAIModel) embedRequest(ctx context.Context, input []string) ([][]float32, error) {
	reqBody := openAIEmbedRequest{
		Input:          input,
		Model:          m.modelName,
		EncodingFormat: "float",
	}
	// Only text-embedding-3 models accept a dimensions override.
	if strings.HasPrefix(m.modelName, "text-embedding-3") {
		reqBody.Dimensions = m.dimensions
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embedding request to %s: %w", m.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding API error (model=%s, status=%d): %s",
			m.modelName, resp.StatusCode, strings.TrimSpace(string(bodySnippet)))
	}

	var embedResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode embedding response from %s: %w", m.baseURL, err)
	}

	// Sort by index to preserve order
	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	if len(embedResp.Data) != len(input) {
		return nil, &ContractError{
			Index:  -1,
			Reason: fmt.Sprintf("embedding API returned %d results for %d inputs (model=%s)", len(embedResp.Data), len(input), m.modelName),
		}
	}

	results := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		if d.Index != i {
			return nil, &ContractError{
				Index:  -1,
				Reason: fmt.Sprintf("embedding API returned index %d at position %d (model=%s)", d.Index, i, m.modelName),
			}
		}
		results[i] = d.Embedding
	}
	return results, nil
}
