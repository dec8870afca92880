// Package redis provides a Redis-backed store.VectorStore using redigo.
//
// Key layout (relative to the configured namespace):
//
//	cluster:<id>  LIST of members in discovery order
//	embed:<id>    centroid as little-endian float32 bytes
//	clusters      SET of cluster ids
//
// A cluster exists iff its embed key exists; the member list is never read
// or written without that check.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/pkg/models"
)

const (
	// ClusterPrefix prefixes member list keys.
	ClusterPrefix = "cluster:"
	// EmbedPrefix prefixes centroid keys.
	EmbedPrefix = "embed:"
	// IndexKey names the set of cluster ids.
	IndexKey = "clusters"
)

// Config holds Redis connection settings.
type Config struct {
	Host      string
	Port      int
	DB        int
	Password  string
	Namespace string // key prefix, e.g. "entmatch:"

	MaxIdle     int           // default 8
	MaxActive   int           // 0 = unlimited
	IdleTimeout time.Duration // default 5m
	Timeout     time.Duration // dial/read/write timeout, default 5s
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// putIfAbsentScript creates a cluster only when its centroid key is absent.
// KEYS: embed, list, index. ARGV: centroid, id, members...
var putIfAbsentScript = redis.NewScript(3, `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[1], ARGV[1])
for i = 3, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// appendScript appends a member only to an existing cluster.
// KEYS: embed, list. ARGV: mention. Returns -1 when the cluster is missing.
var appendScript = redis.NewScript(2, `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('RPUSH', KEYS[2], ARGV[1])
`)

// fetchScript reads members and centroid in one atomic step.
// KEYS: list, embed.
var fetchScript = redis.NewScript(2, `
return {redis.call('LRANGE', KEYS[1], 0, -1), redis.call('GET', KEYS[2])}
`)

// Store is a Redis-backed cluster store.
type Store struct {
	pool *redis.Pool
	ns   string
}

// Compile-time check that Store implements store.VectorStore
var _ store.VectorStore = (*Store)(nil)

// New creates a connection pool and verifies the server is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	addr := cfg.Addr()
	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		Wait:        cfg.MaxActive > 0,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialDatabase(cfg.DB),
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	s := NewWithPool(pool, cfg.Namespace)
	if err := s.Ping(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Int("db", cfg.DB).Str("namespace", cfg.Namespace).Msg("Connected to Redis")
	return s, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *redis.Pool, namespace string) *Store {
	return &Store{pool: pool, ns: namespace}
}

func (s *Store) listKey(id string) string  { return s.ns + ClusterPrefix + id }
func (s *Store) embedKey(id string) string { return s.ns + EmbedPrefix + id }
func (s *Store) indexKey() string          { return s.ns + IndexKey }

// conn borrows a connection from the pool.
func (s *Store) conn(ctx context.Context, op string) (redis.Conn, error) {
	c, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, store.Unavailable(op, err)
	}
	return c, nil
}

// classify maps redigo errors: server replies stay plain errors, anything
// else (dial, I/O, timeouts, pool exhaustion) is a connectivity failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return store.Unavailable(op, err)
}

// ListClusters returns every cluster referenced by the id set.
func (s *Store) ListClusters(ctx context.Context) ([]*models.ClusterRecord, error) {
	c, err := s.conn(ctx, "list clusters")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	ids, err := redis.Strings(redis.DoContext(c, ctx, "SMEMBERS", s.indexKey()))
	if err != nil {
		return nil, classify("list clusters", err)
	}
	if len(ids) == 0 {
		return []*models.ClusterRecord{}, nil
	}

	if err := fetchScript.Load(c); err != nil {
		return nil, classify("load fetch script", err)
	}
	for _, id := range ids {
		if err := fetchScript.SendHash(c, s.listKey(id), s.embedKey(id)); err != nil {
			return nil, classify("list clusters", err)
		}
	}
	if err := c.Flush(); err != nil {
		return nil, classify("list clusters", err)
	}

	records := make([]*models.ClusterRecord, 0, len(ids))
	for _, id := range ids {
		reply, err := redis.ReceiveContext(c, ctx)
		if err != nil {
			return nil, classify("list clusters", err)
		}
		rec, found, err := decodeFetch(id, reply)
		if err != nil {
			return nil, err
		}
		if found {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Get returns a single cluster.
func (s *Store) Get(ctx context.Context, id string) (*models.ClusterRecord, bool, error) {
	c, err := s.conn(ctx, "get cluster")
	if err != nil {
		return nil, false, err
	}
	defer c.Close()

	reply, err := fetchScript.DoContext(ctx, c, s.listKey(id), s.embedKey(id))
	if err != nil {
		return nil, false, classify("get cluster "+id, err)
	}
	return decodeFetch(id, reply)
}

// decodeFetch converts a fetchScript reply into a record.
func decodeFetch(id string, reply interface{}) (*models.ClusterRecord, bool, error) {
	parts, err := redis.Values(reply, nil)
	if err != nil || len(parts) != 2 {
		return nil, false, fmt.Errorf("decode cluster %s: unexpected reply %T", id, reply)
	}
	if parts[1] == nil {
		return nil, false, nil
	}
	raw, err := redis.Bytes(parts[1], nil)
	if err != nil {
		return nil, false, fmt.Errorf("decode centroid %s: %w", id, err)
	}
	centroid, err := DecodeVector(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode centroid %s: %w", id, err)
	}
	members, err := redis.Strings(parts[0], nil)
	if err != nil {
		return nil, false, fmt.Errorf("decode members %s: %w", id, err)
	}
	if len(members) == 0 {
		return nil, false, nil
	}
	return &models.ClusterRecord{ID: id, Centroid: centroid, Members: members}, true, nil
}

// Size returns LLEN of the member list.
func (s *Store) Size(ctx context.Context, id string) (int, bool, error) {
	c, err := s.conn(ctx, "cluster size")
	if err != nil {
		return 0, false, err
	}
	defer c.Close()

	n, err := redis.Int(redis.DoContext(c, ctx, "LLEN", s.listKey(id)))
	if err != nil {
		return 0, false, classify("cluster size "+id, err)
	}
	if n == 0 {
		return 0, false, nil
	}
	return n, true, nil
}

// Sizes pipelines LLEN for every id in the index set.
func (s *Store) Sizes(ctx context.Context) ([]models.ClusterSize, error) {
	c, err := s.conn(ctx, "cluster sizes")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	ids, err := redis.Strings(redis.DoContext(c, ctx, "SMEMBERS", s.indexKey()))
	if err != nil {
		return nil, classify("cluster sizes", err)
	}

	for _, id := range ids {
		if err := c.Send("LLEN", s.listKey(id)); err != nil {
			return nil, classify("cluster sizes", err)
		}
	}
	if err := c.Flush(); err != nil {
		return nil, classify("cluster sizes", err)
	}

	sizes := make([]models.ClusterSize, 0, len(ids))
	for _, id := range ids {
		n, err := redis.Int(redis.ReceiveContext(c, ctx))
		if err != nil {
			return nil, classify("cluster sizes", err)
		}
		if n > 0 {
			sizes = append(sizes, models.ClusterSize{ID: id, Size: n})
		}
	}
	return sizes, nil
}

// Count returns SCARD of the id set.
func (s *Store) Count(ctx context.Context) (int, error) {
	c, err := s.conn(ctx, "count clusters")
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n, err := redis.Int(redis.DoContext(c, ctx, "SCARD", s.indexKey()))
	if err != nil {
		return 0, classify("count clusters", err)
	}
	return n, nil
}

// Put overwrites a cluster inside MULTI/EXEC.
func (s *Store) Put(ctx context.Context, rec *models.ClusterRecord) error {
	if err := store.ValidateRecord(rec); err != nil {
		return err
	}

	c, err := s.conn(ctx, "put cluster")
	if err != nil {
		return err
	}
	defer c.Close()

	listKey := s.listKey(rec.ID)
	pushArgs := make([]interface{}, 0, len(rec.Members)+1)
	pushArgs = append(pushArgs, listKey)
	for _, m := range rec.Members {
		pushArgs = append(pushArgs, m)
	}

	_ = c.Send("MULTI")
	_ = c.Send("DEL", listKey)
	_ = c.Send("RPUSH", pushArgs...)
	_ = c.Send("SET", s.embedKey(rec.ID), EncodeVector(rec.Centroid))
	_ = c.Send("SADD", s.indexKey(), rec.ID)
	if _, err := redis.DoContext(c, ctx, "EXEC"); err != nil {
		return classify("put cluster "+rec.ID, err)
	}
	return nil
}

// PutIfAbsent creates a cluster atomically unless it already exists.
func (s *Store) PutIfAbsent(ctx context.Context, rec *models.ClusterRecord) (bool, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return false, err
	}

	c, err := s.conn(ctx, "create cluster")
	if err != nil {
		return false, err
	}
	defer c.Close()

	args := make([]interface{}, 0, 5+len(rec.Members))
	args = append(args, s.embedKey(rec.ID), s.listKey(rec.ID), s.indexKey(), EncodeVector(rec.Centroid), rec.ID)
	for _, m := range rec.Members {
		args = append(args, m)
	}

	created, err := redis.Int(putIfAbsentScript.DoContext(ctx, c, args...))
	if err != nil {
		return false, classify("create cluster "+rec.ID, err)
	}
	return created == 1, nil
}

// AppendMember RPUSHes a mention onto an existing cluster.
func (s *Store) AppendMember(ctx context.Context, id, mention string) error {
	c, err := s.conn(ctx, "append member")
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := redis.Int(appendScript.DoContext(ctx, c, s.embedKey(id), s.listKey(id), mention))
	if err != nil {
		return classify("append member "+id, err)
	}
	if n < 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes both keys and the index entry inside MULTI/EXEC.
func (s *Store) Delete(ctx context.Context, id string) error {
	c, err := s.conn(ctx, "delete cluster")
	if err != nil {
		return err
	}
	defer c.Close()

	_ = c.Send("MULTI")
	_ = c.Send("DEL", s.listKey(id), s.embedKey(id))
	_ = c.Send("SREM", s.indexKey(), id)
	if _, err := redis.DoContext(c, ctx, "EXEC"); err != nil {
		return classify("delete cluster "+id, err)
	}
	return nil
}

// Ping sends PING.
func (s *Store) Ping(ctx context.Context) error {
	c, err := s.conn(ctx, "ping")
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := redis.DoContext(c, ctx, "PING"); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
