package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andeerc/pg-multiverse/internal/events"
)

// RedisConfig tunes the Redis backend.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	DefaultTTL time.Duration
	// CompressAbove is the serialized size in bytes above which values are
	// gzip-compressed. Zero uses the default.
	CompressAbove int
	MaxRetries    int
}

const (
	defaultKeyPrefix     = "pg-multiverse:"
	defaultCompressAbove = 1024
	gzipTag              = "gzip:"
)

// Redis is the Redis-backed provider. Each Set also indexes the key into
// schema/cluster/tag sets so invalidations can expand them without scanning
// the whole keyspace.
type Redis struct {
	cfg    RedisConfig
	client redis.UniversalClient
	bus    *events.Bus

	mu        sync.Mutex
	connected bool
	hits      int64
	misses    int64
	evicted   int64
}

// NewRedis creates the provider and verifies connectivity once. A failed ping
// leaves the provider usable but unhealthy; the fallback wrapper degrades to
// memory in that case.
func NewRedis(ctx context.Context, cfg RedisConfig, bus *events.Bus) (*Redis, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.CompressAbove <= 0 {
		cfg.CompressAbove = defaultCompressAbove
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: time.Second,
	})

	r := &Redis{cfg: cfg, client: client, bus: bus}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return r, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	r.connected = true
	return r, nil
}

// NewRedisWithClient wires an existing client; used by tests.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig, bus *events.Bus) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.CompressAbove <= 0 {
		cfg.CompressAbove = defaultCompressAbove
	}
	return &Redis{cfg: cfg, client: client, bus: bus, connected: true}
}

func (r *Redis) key(key string) string       { return r.cfg.KeyPrefix + key }
func (r *Redis) metaKey(key string) string   { return r.cfg.KeyPrefix + key + ":meta" }
func (r *Redis) schemaSet(s string) string   { return r.cfg.KeyPrefix + "schema:" + s }
func (r *Redis) clusterSet(c string) string  { return r.cfg.KeyPrefix + "cluster:" + c }
func (r *Redis) tagSet(t string) string      { return r.cfg.KeyPrefix + "tag:" + t }
func (r *Redis) stripPrefix(k string) string { return strings.TrimPrefix(k, r.cfg.KeyPrefix) }

func (r *Redis) Get(ctx context.Context, key string) (any, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.count(&r.misses)
		return nil, false, nil
	}
	if err != nil {
		r.setConnected(false)
		r.count(&r.misses)
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	r.setConnected(true)

	value, err := decodeValue(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached value %s: %w", key, err)
	}

	// Access bookkeeping is best-effort; a failure never fails the read.
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, r.metaKey(key), "access_count", 1)
	pipe.HSet(ctx, r.metaKey(key), "last_accessed", time.Now().UnixMilli())
	_, _ = pipe.Exec(ctx)

	r.count(&r.hits)
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any, opts Options) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}

	data, err := encodeValue(value, r.cfg.CompressAbove)
	if err != nil {
		return fmt.Errorf("encode value %s: %w", key, err)
	}

	now := time.Now()
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key(key), data, ttl)
	pipe.HSet(ctx, r.metaKey(key), map[string]any{
		"created_at":    now.UnixMilli(),
		"last_accessed": now.UnixMilli(),
		"access_count":  0,
		"size":          len(data),
		"schema":        opts.Schema,
		"cluster":       opts.Cluster,
		"tags":          strings.Join(opts.Tags, ","),
	})
	pipe.Expire(ctx, r.metaKey(key), ttl)

	if opts.Schema != "" {
		pipe.SAdd(ctx, r.schemaSet(opts.Schema), r.key(key))
		pipe.Expire(ctx, r.schemaSet(opts.Schema), ttl)
	}
	if opts.Cluster != "" {
		pipe.SAdd(ctx, r.clusterSet(opts.Cluster), r.key(key))
		pipe.Expire(ctx, r.clusterSet(opts.Cluster), ttl)
	}
	for _, tag := range opts.Tags {
		pipe.SAdd(ctx, r.tagSet(tag), r.key(key))
		pipe.Expire(ctx, r.tagSet(tag), ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.setConnected(false)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	r.setConnected(true)
	return nil
}

func (r *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key), r.metaKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %s: %w", key, err)
	}
	if n > 0 {
		r.count(&r.evicted)
		r.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{Key: key, Reason: ReasonManual})
	}
	return n > 0, nil
}

func (r *Redis) GetMetadata(ctx context.Context, key string) (*Metadata, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.metaKey(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis meta %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	md := &Metadata{Schema: fields["schema"], Cluster: fields["cluster"]}
	md.CreatedAt = millisField(fields, "created_at")
	md.LastAccessed = millisField(fields, "last_accessed")
	fmt.Sscanf(fields["access_count"], "%d", &md.AccessCount)
	fmt.Sscanf(fields["size"], "%d", &md.Size)
	if tags := fields["tags"]; tags != "" {
		md.Tags = strings.Split(tags, ",")
	}
	return md, true, nil
}

func millisField(fields map[string]string, name string) time.Time {
	var ms int64
	fmt.Sscanf(fields[name], "%d", &ms)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (r *Redis) InvalidateBySchema(ctx context.Context, schema string) (int, error) {
	return r.invalidateSet(ctx, r.schemaSet(schema))
}

func (r *Redis) InvalidateByCluster(ctx context.Context, cluster string) (int, error) {
	return r.invalidateSet(ctx, r.clusterSet(cluster))
}

func (r *Redis) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	total := 0
	for _, tag := range tags {
		n, err := r.invalidateSet(ctx, r.tagSet(tag))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// invalidateSet expands an index set and pipelines deletion of its members,
// their metadata, and the set itself.
func (r *Redis) invalidateSet(ctx context.Context, setKey string) (int, error) {
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers %s: %w", setKey, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := r.client.Pipeline()
	deletes := make([]*redis.IntCmd, len(members))
	for i, member := range members {
		deletes[i] = pipe.Del(ctx, member, member+":meta")
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis invalidate %s: %w", setKey, err)
	}

	deleted := 0
	for i, cmd := range deletes {
		if cmd.Val() > 0 {
			deleted++
			r.count(&r.evicted)
			r.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{
				Key:    r.stripPrefix(members[i]),
				Reason: ReasonManual,
			})
		}
	}
	return deleted, nil
}

// InvalidateByPattern scans prefixed keys matching a Redis glob pattern.
// Only the documented glob subset is supported.
func (r *Redis) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	match := r.cfg.KeyPrefix + pattern
	deleted := 0

	iter := r.client.Scan(ctx, 0, match, 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":meta") {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan %s: %w", match, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Del(ctx, key, key+":meta")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis invalidate pattern %s: %w", pattern, err)
	}
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			deleted++
			r.count(&r.evicted)
			r.bus.Emit(events.CacheEviction, events.CacheEvictionPayload{
				Key:    r.stripPrefix(keys[i]),
				Reason: ReasonManual,
			})
		}
	}
	return deleted, nil
}

func (r *Redis) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Hits: r.hits, Misses: r.misses, Evictions: r.evicted}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.cfg.KeyPrefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan for clear: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

func (r *Redis) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.setConnected(false)
		return false
	}
	r.setConnected(true)
	return true
}

// IsConnected reports the last observed connection state without probing.
func (r *Redis) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

func (r *Redis) count(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

// encodeValue serializes to JSON, gzip-compressing values above the
// threshold and tagging them so decodeValue can detect compression.
func encodeValue(value any, compressAbove int) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if len(data) <= compressAbove {
		return data, nil
	}

	var buf bytes.Buffer
	buf.WriteString(gzipTag)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValue(data []byte) (any, error) {
	if bytes.HasPrefix(data, []byte(gzipTag)) {
		zr, err := gzip.NewReader(bytes.NewReader(data[len(gzipTag):]))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}
