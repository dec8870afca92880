// Package store defines the cluster storage interfaces for entmatch.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/thebtf/entmatch/pkg/models"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned by AppendMember when the cluster does not exist.
	ErrNotFound = errors.New("cluster not found")

	// ErrInvalidRecord is returned when a record violates the cluster invariants.
	ErrInvalidRecord = errors.New("invalid cluster record")
)

// Unavailable wraps err so that errors.Is(result, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ClusterReader defines read operations for cluster records.
type ClusterReader interface {
	// ListClusters returns every stored cluster. Enumeration order is
	// backend-defined and not guaranteed stable across calls.
	ListClusters(ctx context.Context) ([]*models.ClusterRecord, error)
	// Get returns the cluster with the given id. found is false when it does not exist.
	Get(ctx context.Context, id string) (rec *models.ClusterRecord, found bool, err error)
	// Size returns the member count without reading members.
	Size(ctx context.Context, id string) (size int, found bool, err error)
	// Sizes returns the member count of every cluster, in enumeration order.
	Sizes(ctx context.Context) ([]models.ClusterSize, error)
	// Count returns the number of stored clusters.
	Count(ctx context.Context) (int, error)
}

// ClusterWriter defines write operations for cluster records.
// Each operation is atomic for a single record.
type ClusterWriter interface {
	// Put creates or fully overwrites a record.
	Put(ctx context.Context, rec *models.ClusterRecord) error
	// PutIfAbsent creates rec only if no record with its id exists.
	// created reports whether the write happened.
	PutIfAbsent(ctx context.Context, rec *models.ClusterRecord) (created bool, err error)
	// AppendMember appends one mention to an existing cluster.
	// Returns ErrNotFound if the cluster does not exist.
	AppendMember(ctx context.Context, id, mention string) error
	// Delete removes a record entirely. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
}

// VectorStore is the durable backing store for cluster records.
type VectorStore interface {
	ClusterReader
	ClusterWriter

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases store resources.
	Close() error
}

// ValidateRecord checks the invariants every stored record must satisfy.
func ValidateRecord(rec *models.ClusterRecord) error {
	switch {
	case rec == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case rec.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case len(rec.Members) == 0:
		return fmt.Errorf("%w: cluster %s has no members", ErrInvalidRecord, rec.ID)
	case len(rec.Centroid) == 0:
		return fmt.Errorf("%w: cluster %s has no centroid", ErrInvalidRecord, rec.ID)
	}
	return nil
}
