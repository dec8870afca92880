// Package models contains domain models for entmatch.
package models

import (
	"crypto/md5"
	"encoding/hex"
	"slices"
)

// ClusterRecord is a semantic cluster of entity mentions.
type ClusterRecord struct {
	// ID is derived from the founding mention (see ClusterID).
	ID string `json:"id"`
	// Centroid is the unit vector new mentions are compared against.
	// It stays pinned to the founding member's embedding.
	Centroid []float32 `json:"centroid"`
	// Members in discovery order. Never empty.
	Members []string `json:"members"`
}

// NewClusterRecord creates a cluster founded by a single mention.
func NewClusterRecord(mention string, centroid []float32) *ClusterRecord {
	return &ClusterRecord{
		ID:       ClusterID(mention),
		Centroid: slices.Clone(centroid),
		Members:  []string{mention},
	}
}

// Size returns the member count.
func (c *ClusterRecord) Size() int {
	return len(c.Members)
}

// Clone returns a deep copy of the record.
func (c *ClusterRecord) Clone() *ClusterRecord {
	if c == nil {
		return nil
	}
	return &ClusterRecord{
		ID:       c.ID,
		Centroid: slices.Clone(c.Centroid),
		Members:  slices.Clone(c.Members),
	}
}

// ClusterID returns the deterministic identifier for a cluster founded by mention:
// the lowercase hex MD5 digest of its UTF-8 bytes. Collisions are tolerated.
func ClusterID(mention string) string {
	sum := md5.Sum([]byte(mention)) // #nosec G401 -- identifier, not a security boundary
	return hex.EncodeToString(sum[:])
}

// ClusterSize pairs a cluster id with its member count.
type ClusterSize struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

// Assignment records where one mention of a batch was routed.
type Assignment struct {
	Mention    string  `json:"mention"`
	ClusterID  string  `json:"cluster_id"`
	Similarity float64 `json:"similarity"`
	Created    bool    `json:"created"`
}

// MatchResult maps cluster ids to the mentions of one request routed to them,
// in input order.
type MatchResult struct {
	Clusters    map[string][]string `json:"clusters"`
	Assignments []Assignment        `json:"-"`
}

// NewMatchResult creates an empty result sized for n mentions.
func NewMatchResult(n int) *MatchResult {
	return &MatchResult{
		Clusters:    make(map[string][]string),
		Assignments: make([]Assignment, 0, n),
	}
}

// Add records an assignment and appends the mention to its cluster's list.
func (r *MatchResult) Add(a Assignment) {
	r.Assignments = append(r.Assignments, a)
	r.Clusters[a.ClusterID] = append(r.Clusters[a.ClusterID], a.Mention)
}

// Created returns the number of clusters created while producing this result.
func (r *MatchResult) Created() int {
	n := 0
	for _, a := range r.Assignments {
		if a.Created {
			n++
		}
	}
	return n
}

// ClusterStats summarizes the cluster population of a store.
type ClusterStats struct {
	Count       int     `json:"count"`
	MaxClusters int     `json:"max_clusters"`
	Threshold   float64 `json:"similarity_threshold"`
	Members     int     `json:"members"`
	Singletons  int     `json:"singletons"`
	LargestSize int     `json:"largest_size"`
	MeanSize    float64 `json:"mean_size"`
}

// NewClusterStats computes stats from a size listing.
func NewClusterStats(sizes []ClusterSize, maxClusters int, threshold float64) ClusterStats {
	stats := ClusterStats{
		Count:       len(sizes),
		MaxClusters: maxClusters,
		Threshold:   threshold,
	}
	for _, s := range sizes {
		stats.Members += s.Size
		if s.Size == 1 {
			stats.Singletons++
		}
		if s.Size > stats.LargestSize {
			stats.LargestSize = s.Size
		}
	}
	if stats.Count > 0 {
		stats.MeanSize = float64(stats.Members) / float64(stats.Count)
	}
	return stats
}
