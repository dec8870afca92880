package matcher

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/entmatch/internal/store"
)

// DefaultMaxClusters bounds the number of clusters kept in the store.
const DefaultMaxClusters = 10000

// EvictionPolicy keeps the cluster count within MaxClusters by deleting the smallest clusters.
type EvictionPolicy struct {
	store       store.VectorStore
	maxClusters atomic.Int64
}

// NewEvictionPolicy creates a policy bound to s.
func NewEvictionPolicy(s store.VectorStore, maxClusters int) *EvictionPolicy {
	p := &EvictionPolicy{store: s}
	p.SetMaxClusters(maxClusters)
	return p
}

// MaxClusters returns the current capacity.
func (p *EvictionPolicy) MaxClusters() int {
	return int(p.maxClusters.Load())
}

// SetMaxClusters changes the capacity. Values below 1 fall back to the default.
func (p *EvictionPolicy) SetMaxClusters(n int) {
	if n < 1 {
		n = DefaultMaxClusters
	}
	p.maxClusters.Store(int64(n))
}

// PruneIfOverCapacity makes room for incoming new clusters. When
// count+incoming exceeds the capacity, the count+incoming-max smallest
// clusters are deleted; ties go to the earliest in store order. It returns
// the deleted ids.
func (p *EvictionPolicy) PruneIfOverCapacity(ctx context.Context, incoming int) ([]string, error) {
	maxClusters := p.MaxClusters()

	count, err := p.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count clusters: %w", err)
	}
	if count+incoming <= maxClusters {
		return nil, nil
	}

	sizes, err := p.store.Sizes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cluster sizes: %w", err)
	}

	excess := min(len(sizes)+incoming-maxClusters, len(sizes))
	if excess <= 0 {
		return nil, nil
	}

	sort.SliceStable(sizes, func(i, j int) bool {
		return sizes[i].Size < sizes[j].Size
	})

	evicted := make([]string, 0, excess)
	for _, cs := range sizes[:excess] {
		if err := p.store.Delete(ctx, cs.ID); err != nil {
			return evicted, fmt.Errorf("evict cluster %s: %w", cs.ID, err)
		}
		evicted = append(evicted, cs.ID)
		log.Info().Str("cluster_id", cs.ID).Int("size", cs.Size).Msg("Pruned cluster")
	}

	return evicted, nil
}
