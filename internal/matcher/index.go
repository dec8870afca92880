// Package matcher assigns entity mentions to similarity clusters.
package matcher

import (
	"slices"

	"github.com/thebtf/entmatch/pkg/models"
	"github.com/thebtf/entmatch/pkg/similarity"
)

// Match is the best cluster for a vector.
type Match struct {
	ID         string
	Similarity float64
}

type indexEntry struct {
	id       string
	centroid []float32
}

// Index is an in-memory view of cluster centroids in store enumeration order.
// It is not safe for concurrent use; each request works on its own copy.
type Index struct {
	threshold float64
	entries   []indexEntry
	pos       map[string]int
}

// NewIndex builds a view over records. Records without a centroid are skipped.
func NewIndex(records []*models.ClusterRecord, threshold float64) *Index {
	ix := &Index{threshold: threshold}
	ix.Reload(records)
	return ix
}

// Reload replaces the view's contents with records, keeping the threshold.
func (ix *Index) Reload(records []*models.ClusterRecord) {
	ix.entries = make([]indexEntry, 0, len(records))
	ix.pos = make(map[string]int, len(records))
	for _, rec := range records {
		if rec == nil || len(rec.Centroid) == 0 {
			continue
		}
		ix.Add(rec.ID, rec.Centroid)
	}
}

// Threshold returns the minimum similarity for a match.
func (ix *Index) Threshold() float64 {
	return ix.threshold
}

// Len returns the number of clusters in the view.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Contains reports whether id is in the view.
func (ix *Index) Contains(id string) bool {
	_, ok := ix.pos[id]
	return ok
}

// FindBest scans every centroid and returns the most similar one if its
// similarity is at least the threshold. Ties keep the earliest cluster.
func (ix *Index) FindBest(v []float32) (Match, bool) {
	best := -1
	bestSim := 0.0
	for i, e := range ix.entries {
		sim := similarity.Dot(v, e.centroid)
		if best < 0 || sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best < 0 || bestSim < ix.threshold {
		return Match{}, false
	}
	return Match{ID: ix.entries[best].id, Similarity: bestSim}, true
}

// Similarity returns the dot product between v and the centroid of id.
func (ix *Index) Similarity(id string, v []float32) (float64, bool) {
	i, ok := ix.pos[id]
	if !ok {
		return 0, false
	}
	return similarity.Dot(v, ix.entries[i].centroid), true
}

// Add appends a cluster to the view. An id already present is left unchanged.
func (ix *Index) Add(id string, centroid []float32) {
	if _, ok := ix.pos[id]; ok {
		return
	}
	ix.pos[id] = len(ix.entries)
	ix.entries = append(ix.entries, indexEntry{id: id, centroid: centroid})
}

// Remove drops ids from the view, keeping the order of the rest.
func (ix *Index) Remove(ids ...string) {
	removed := false
	for _, id := range ids {
		if _, ok := ix.pos[id]; ok {
			delete(ix.pos, id)
			removed = true
		}
	}
	if !removed {
		return
	}

	ix.entries = slices.DeleteFunc(ix.entries, func(e indexEntry) bool {
		_, keep := ix.pos[e.id]
		return !keep
	})
	for i, e := range ix.entries {
		ix.pos[e.id] = i
	}
}
