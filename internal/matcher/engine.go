package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/thebtf/entmatch/internal/embedding"
	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/pkg/models"
)

const (
	DefaultThreshold        = 0.8
	DefaultMaxBatchSize     = 1000
	DefaultMaxMentionTokens = 256
)

// Embedder turns mentions into unit vectors of a fixed dimension.
type Embedder interface {
	Dimensions() int
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// TokenCounter counts model tokens in a mention.
type TokenCounter interface {
	Count(text string) (int, error)
}

// Config holds engine tunables.
type Config struct {
	Threshold        float64      // Minimum similarity to join a cluster, in (0, 1]
	MaxClusters      int          // Capacity enforced on cluster creation
	MaxBatchSize     int          // Mentions per call; 0 disables the limit
	MaxMentionTokens int          // Tokens per mention; 0 disables the limit
	Tokens           TokenCounter // Defaults to the cl100k counter when MaxMentionTokens > 0
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:        DefaultThreshold,
		MaxClusters:      DefaultMaxClusters,
		MaxBatchSize:     DefaultMaxBatchSize,
		MaxMentionTokens: DefaultMaxMentionTokens,
	}
}

// Engine runs match calls against a shared VectorStore.
type Engine struct {
	store            store.VectorStore
	embedder         Embedder
	policy           *EvictionPolicy
	tokens           TokenCounter
	metrics          *engineMetrics
	tracer           trace.Tracer
	threshold        atomic.Uint64
	maxBatchSize     int
	maxMentionTokens int
}

// New creates an engine over s and emb.
func New(s store.VectorStore, emb Embedder, cfg Config) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if err := validateThreshold(cfg.Threshold); err != nil {
		return nil, err
	}
	if cfg.MaxClusters < 1 {
		return nil, fmt.Errorf("max clusters must be positive, got %d", cfg.MaxClusters)
	}

	tokens := cfg.Tokens
	if tokens == nil && cfg.MaxMentionTokens > 0 {
		tc, err := embedding.DefaultTokenCounter()
		if err != nil {
			return nil, err
		}
		tokens = tc
	}

	e := &Engine{
		store:            s,
		embedder:         emb,
		policy:           NewEvictionPolicy(s, cfg.MaxClusters),
		tokens:           tokens,
		metrics:          newEngineMetrics(),
		tracer:           otel.Tracer(instrumentationName),
		maxBatchSize:     max(cfg.MaxBatchSize, 0),
		maxMentionTokens: max(cfg.MaxMentionTokens, 0),
	}
	e.threshold.Store(math.Float64bits(cfg.Threshold))
	return e, nil
}

func validateThreshold(t float64) error {
	if math.IsNaN(t) || t <= 0 || t > 1 {
		return fmt.Errorf("similarity threshold must be in (0, 1], got %v", t)
	}
	return nil
}

// Threshold returns the current similarity threshold.
func (e *Engine) Threshold() float64 {
	return math.Float64frombits(e.threshold.Load())
}

// SetThreshold changes the similarity threshold for subsequent calls.
func (e *Engine) SetThreshold(t float64) error {
	if err := validateThreshold(t); err != nil {
		return err
	}
	e.threshold.Store(math.Float64bits(t))
	return nil
}

// MaxClusters returns the current capacity.
func (e *Engine) MaxClusters() int {
	return e.policy.MaxClusters()
}

// SetMaxClusters changes the capacity for subsequent creations.
func (e *Engine) SetMaxClusters(n int) error {
	if n < 1 {
		return fmt.Errorf("max clusters must be positive, got %d", n)
	}
	e.policy.SetMaxClusters(n)
	return nil
}

// Match assigns every mention to a cluster, in input order, creating
// clusters for mentions with no match. Later mentions see clusters created
// by earlier ones. On error no result is returned, though writes already
// made stay in the store.
func (e *Engine) Match(ctx context.Context, mentions []string) (*models.MatchResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "matcher.Match")
	defer span.End()
	span.SetAttributes(attribute.Int("mentions", len(mentions)))

	result, err := e.match(ctx, mentions)
	if err != nil {
		span.RecordError(err)
		e.metrics.recordMatch(ctx, start, len(mentions), outcome(err))
		return nil, err
	}

	e.metrics.recordMatch(ctx, start, len(mentions), "ok")
	log.Debug().
		Int("mentions", len(mentions)).
		Int("clusters", len(result.Clusters)).
		Int("created", result.Created()).
		Dur("duration", time.Since(start)).
		Msg("Matched batch")
	return result, nil
}

func (e *Engine) match(ctx context.Context, mentions []string) (*models.MatchResult, error) {
	if err := e.validate(mentions); err != nil {
		return nil, err
	}

	vectors, err := e.embedder.EmbedBatch(ctx, mentions)
	if err != nil {
		if !errors.Is(err, embedding.ErrEmbedderFailure) {
			err = embedding.Failure("embed mentions", err)
		}
		return nil, err
	}
	if err := embedding.ValidateBatch(vectors, len(mentions), e.embedder.Dimensions()); err != nil {
		return nil, err
	}

	view, err := e.loadView(ctx)
	if err != nil {
		return nil, err
	}

	result := models.NewMatchResult(len(mentions))
	for i, mention := range mentions {
		a, err := e.assign(ctx, view, mention, vectors[i])
		if err != nil {
			return nil, err
		}
		e.metrics.recordAssignment(ctx, a.Created)
		result.Add(a)
	}
	return result, nil
}

func (e *Engine) validate(mentions []string) error {
	if len(mentions) == 0 {
		return invalidf("no mentions")
	}
	if e.maxBatchSize > 0 && len(mentions) > e.maxBatchSize {
		return invalidf("batch of %d mentions exceeds limit of %d", len(mentions), e.maxBatchSize)
	}
	for i, m := range mentions {
		if strings.TrimSpace(m) == "" {
			return invalidf("mention %d is blank", i)
		}
		if e.tokens == nil || e.maxMentionTokens == 0 {
			continue
		}
		n, err := e.tokens.Count(m)
		if err != nil {
			return invalidf("mention %d: %v", i, err)
		}
		if n > e.maxMentionTokens {
			return invalidf("mention %d has %d tokens, limit is %d", i, n, e.maxMentionTokens)
		}
	}
	return nil
}

// loadView reads the store's clusters into an index private to one call.
// Every call takes its own snapshot, so it sees every cluster written
// before it started.
func (e *Engine) loadView(ctx context.Context) (*Index, error) {
	records, err := e.store.ListClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clusters: %w", err)
	}
	return NewIndex(records, e.Threshold()), nil
}
