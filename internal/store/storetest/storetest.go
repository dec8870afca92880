// Package storetest provides a conformance suite for store.VectorStore backends.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/pkg/models"
)

// Factory returns an empty store for one subtest. Cleanup is registered via t.Cleanup.
type Factory func(t *testing.T) store.VectorStore

// Record builds a test record with a 3-dimensional centroid.
func Record(id string, members ...string) *models.ClusterRecord {
	return &models.ClusterRecord{
		ID:       id,
		Centroid: []float32{0.6, 0.8, 0},
		Members:  members,
	}
}

// Run executes the conformance suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := Record("c1", "Apple Inc", "Apple Incorporated")
		require.NoError(t, s.Put(ctx, rec))

		got, found, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.Members, got.Members)
		assert.InDeltaSlice(t, rec.Centroid, got.Centroid, 1e-6)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		got, found, err := s.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, got)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, Record("c1", "a", "b", "c")))
		replacement := Record("c1", "z")
		replacement.Centroid = []float32{1, 0, 0}
		require.NoError(t, s.Put(ctx, replacement))

		got, found, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []string{"z"}, got.Members)
		assert.InDeltaSlice(t, []float32{1, 0, 0}, got.Centroid, 1e-6)

		count, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("PutRejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.Put(ctx, &models.ClusterRecord{ID: "c1", Centroid: []float32{1}})
		assert.ErrorIs(t, err, store.ErrInvalidRecord)

		_, err = s.PutIfAbsent(ctx, &models.ClusterRecord{ID: "", Centroid: []float32{1}, Members: []string{"x"}})
		assert.ErrorIs(t, err, store.ErrInvalidRecord)
	})

	t.Run("PutIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.PutIfAbsent(ctx, Record("c1", "first"))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.PutIfAbsent(ctx, Record("c1", "second"))
		require.NoError(t, err)
		assert.False(t, created)

		got, _, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"first"}, got.Members)
	})

	t.Run("AppendMember", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, Record("c1", "A")))
		require.NoError(t, s.AppendMember(ctx, "c1", "B"))
		require.NoError(t, s.AppendMember(ctx, "c1", "C"))

		got, _, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, got.Members)
		assert.InDeltaSlice(t, []float32{0.6, 0.8, 0}, got.Centroid, 1e-6)
	})

	t.Run("AppendMemberMissing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.AppendMember(ctx, "ghost", "A")
		assert.ErrorIs(t, err, store.ErrNotFound)

		// No orphan record may appear.
		_, found, err := s.Get(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, found)
		count, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, Record("c1", "A")))
		require.NoError(t, s.Put(ctx, Record("c2", "B")))
		require.NoError(t, s.Delete(ctx, "c1"))
		require.NoError(t, s.Delete(ctx, "c1"))

		_, found, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, found)

		count, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("SizeAndSizes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, Record("big", "a", "b", "c", "d", "e")))
		require.NoError(t, s.Put(ctx, Record("small", "x")))

		size, found, err := s.Size(ctx, "big")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 5, size)

		_, found, err = s.Size(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)

		sizes, err := s.Sizes(ctx)
		require.NoError(t, err)
		sort.Slice(sizes, func(i, j int) bool { return sizes[i].ID < sizes[j].ID })
		assert.Equal(t, []models.ClusterSize{{ID: "big", Size: 5}, {ID: "small", Size: 1}}, sizes)
	})

	t.Run("ListClusters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			require.NoError(t, s.Put(ctx, Record(fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i))))
		}

		clusters, err := s.ListClusters(ctx)
		require.NoError(t, err)
		require.Len(t, clusters, 5)

		ids := make([]string, 0, len(clusters))
		for _, c := range clusters {
			ids = append(ids, c.ID)
			assert.Len(t, c.Members, 1)
			assert.Len(t, c.Centroid, 3)
		}
		sort.Strings(ids)
		assert.Equal(t, []string{"c0", "c1", "c2", "c3", "c4"}, ids)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := Record("c1", "A")
		require.NoError(t, s.Put(ctx, rec))
		rec.Members[0] = "mutated"

		got, _, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, got.Members)
		got.Members[0] = "mutated again"

		again, _, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, again.Members)
	})

	t.Run("ConcurrentAppend", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, Record("c1", "seed")))

		const writers = 8
		const perWriter = 10
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					assert.NoError(t, s.AppendMember(ctx, "c1", fmt.Sprintf("w%d-%d", w, i)))
				}
			}(w)
		}
		wg.Wait()

		size, found, err := s.Size(ctx, "c1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 1+writers*perWriter, size)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}
