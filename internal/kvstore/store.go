// Package kvstore provides typed operations over the shared Redis-compatible
// key/value backend: string get/set with TTL, counters, hashes, sorted sets,
// sets, pipelined multi-op, and the two server-side scripts the rate limiter
// depends on for atomic sliding-window and burst-allowance accounting.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Failure surface. Callers in the rate-limiter path must treat Unavailable
// as open-fail (allow through); callers in the cache path must treat it as
// closed-fail (miss).
var (
	ErrUnavailable   = errors.New("kvstore: backend unavailable")
	ErrTimeout       = errors.New("kvstore: operation timed out")
	ErrSerialization = errors.New("kvstore: serialization error")
	ErrScript        = errors.New("kvstore: script error")
)

// classify maps a go-redis error to one of the sentinel failure kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return nil // not-found is not a failure, callers check for it explicitly
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Config configures the Redis connection backing the Store.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
	}
}

// ScoredMember is one element of a sorted-set range result.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the typed contract the rate limiter and result cache are
// built against. It never panics; every method surfaces failures as one of
// the sentinel errors above, optionally wrapped.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	Incr(ctx context.Context, key string, delta int64) (int64, error)
	HashIncr(ctx context.Context, key, field string, delta int64) (int64, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSet(ctx context.Context, key string, fields map[string]string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	Pipeline(ctx context.Context, ops []Op) ([]any, error)

	SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
	BurstTryConsume(ctx context.Context, key string, window time.Duration, limit, cost int64, now time.Time) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// OpKind names one of the operations a Pipeline batch can contain.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
	OpIncr   OpKind = "incr"
	OpSAdd   OpKind = "sadd"
	OpZAdd   OpKind = "zadd"
)

// Op is one entry of a Pipeline batch.
type Op struct {
	Kind  OpKind
	Key   string
	Value string
	Delta int64
	Score float64
	TTL   time.Duration
}

// redisStore is the production Store backed by go-redis.
type redisStore struct {
	client *redis.Client
	logger *zap.Logger

	slidingWindowScript  *redis.Script
	burstAllowanceScript *redis.Script
}

// New connects to Redis and returns a Store. The connection is verified
// with a bounded ping before returning so misconfiguration fails at
// startup rather than on first use.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kvstore: connect: %w", classify(err))
	}

	s := &redisStore{
		client:               client,
		logger:               logger.With(zap.String("component", "kvstore")),
		slidingWindowScript:  redis.NewScript(slidingWindowCountLua),
		burstAllowanceScript: redis.NewScript(burstAllowanceTryConsumeLua),
	}
	return s, nil
}

// NewWithClient wraps an already-constructed go-redis client. Used by tests
// against miniredis.
func NewWithClient(client *redis.Client, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisStore{
		client:               client,
		logger:               logger.With(zap.String("component", "kvstore")),
		slidingWindowScript:  redis.NewScript(slidingWindowCountLua),
		burstAllowanceScript: redis.NewScript(burstAllowanceTryConsumeLua),
	}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return ttl, nil
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *redisStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, classify(err)
	}
	return v, nil
}

func (s *redisStore) HashIncr(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, classify(err)
	}
	return v, nil
}

func (s *redisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

func (s *redisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *redisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *redisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *redisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *redisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	raw, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make([]ScoredMember, len(raw))
	for i, z := range raw {
		member, _ := z.Member.(string)
		out[i] = ScoredMember{Member: member, Score: z.Score}
	}
	return out, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *redisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *redisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *redisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

// Pipeline executes ops atomically in a single round-trip via a go-redis
// pipeline, returning per-op results in order.
func (s *redisStore) Pipeline(ctx context.Context, ops []Op) ([]any, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	pipe := s.client.TxPipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpSet:
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case OpDelete:
			cmds[i] = pipe.Del(ctx, op.Key)
		case OpIncr:
			cmds[i] = pipe.IncrBy(ctx, op.Key, op.Delta)
		case OpSAdd:
			cmds[i] = pipe.SAdd(ctx, op.Key, op.Value)
		case OpZAdd:
			cmds[i] = pipe.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: op.Value})
		default:
			return nil, fmt.Errorf("%w: unknown op kind %q", ErrSerialization, op.Kind)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, classify(err)
	}
	results := make([]any, len(cmds))
	for i, c := range cmds {
		results[i] = c
	}
	return results, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
