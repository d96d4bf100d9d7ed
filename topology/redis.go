package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/warp/progress-engine/progress"
)

const defaultRedisPrefix = "topology:"

// RedisCache shares cached topologies between server instances.
type RedisCache struct {
	rdb    *goredis.Client
	prefix string
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{rdb: rdb, prefix: defaultRedisPrefix}, nil
}

func (r *RedisCache) key(courseID progress.CourseID) string {
	return r.prefix + string(courseID)
}

func (r *RedisCache) Get(ctx context.Context, courseID progress.CourseID) (*progress.Topology, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key(courseID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var topo progress.Topology
	if err := json.Unmarshal(raw, &topo); err != nil {
		return nil, false, fmt.Errorf("decode cached topology %s: %w", courseID, err)
	}
	return &topo, true, nil
}

func (r *RedisCache) Set(ctx context.Context, topo *progress.Topology, ttl time.Duration) error {
	raw, err := json.Marshal(topo)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(topo.CourseID), raw, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, courseID progress.CourseID) error {
	return r.rdb.Del(ctx, r.key(courseID)).Err()
}

func (r *RedisCache) Close() error {
	return r.rdb.Close()
}
