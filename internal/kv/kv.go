// Package kv implements the KV/PubSub component (spec §4.C): counters,
// hashes, set membership, sorted-set sliding windows, and a dedicated
// pub/sub client kept separate from the command client (a subscribed
// connection cannot issue other commands against go-redis).
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store is the KV/PubSub boundary used by RateLimiter, ConnectionManager,
// and ServerRegistry. All keys are prefixed with the configured
// KeyPrefix ("axonpuls:" by default) so a shared Redis instance can be
// partitioned safely.
type Store struct {
	cmd     *goredis.Client // command client
	sub     *goredis.Client // dedicated subscribe client
	prefix  string
	log     *logrus.Entry
}

// New wraps an already-dialed command client and opens a second
// connection for subscriptions.
func New(cmd *goredis.Client, keyPrefix string, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		cmd:    cmd,
		sub:    goredis.NewClient(cmd.Options()),
		prefix: keyPrefix,
		log:    log.WithField("component", "kv"),
	}
}

func (s *Store) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += p + ":"
	}
	return key[:len(key)-1]
}

// Incr increments a counter by 1 and (re-)arms its TTL, as IncrBy does.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrBy(ctx, key, 1, ttl)
}

// IncrBy increments a counter atomically and (re-)arms its TTL in a
// single pipeline, mirroring the teacher's email-rate-limiter INCR+EXPIRE
// pattern.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	full := s.key(key)
	pipe := s.cmd.Pipeline()
	incr := pipe.IncrBy(ctx, full, delta)
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv incrby %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Get reads a counter, returning 0 if absent.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.cmd.Get(ctx, s.key(key)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}

// TTL returns the remaining time-to-live of key, or 0 if it has none.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.cmd.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv ttl %s: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// SetNX sets a value only if it does not already exist, used for
// idempotency-key guards (SPEC_FULL "Supplemented Features").
func (s *Store) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	ok, err := s.cmd.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

// HSet writes fields into a hash, used for ServerRegistry node records.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	if err := s.cmd.HSet(ctx, s.key(key), fields).Err(); err != nil {
		return fmt.Errorf("kv hset %s: %w", key, err)
	}
	return nil
}

// HGetAll reads every field of a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.cmd.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall %s: %w", key, err)
	}
	return vals, nil
}

// HDel removes fields from a hash, or the key itself if none remain.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.cmd.HDel(ctx, s.key(key), fields...).Err(); err != nil {
		return fmt.Errorf("kv hdel %s: %w", key, err)
	}
	return nil
}

// SAdd adds members to a set, used for ServerRegistry's live-node index.
func (s *Store) SAdd(ctx context.Context, key string, members ...interface{}) error {
	if err := s.cmd.SAdd(ctx, s.key(key), members...).Err(); err != nil {
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...interface{}) error {
	if err := s.cmd.SRem(ctx, s.key(key), members...).Err(); err != nil {
		return fmt.Errorf("kv srem %s: %w", key, err)
	}
	return nil
}

// SMembers lists every member of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := s.cmd.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	return vals, nil
}

// ZAddWindow records one event at timestamp score `at` in a sorted set
// used as a sliding window, then trims members older than `windowStart`.
// This backs the RateLimiter's sliding-window action budget (spec §4.E).
func (s *Store) ZAddWindow(ctx context.Context, key string, member string, at, windowStart time.Time, ttl time.Duration) (int64, error) {
	full := s.key(key)
	pipe := s.cmd.Pipeline()
	pipe.ZAdd(ctx, full, goredis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, full, "-inf", fmt.Sprintf("%d", windowStart.UnixNano()))
	count := pipe.ZCard(ctx, full)
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv zaddwindow %s: %w", key, err)
	}
	return count.Val(), nil
}

// Publish marshals msg as JSON and publishes it on channel.
func (s *Store) Publish(ctx context.Context, channel string, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kv publish marshal: %w", err)
	}
	if err := s.cmd.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kv publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks delivering JSON-decoded messages to handler until ctx
// is cancelled. Runs on the dedicated subscribe client so command traffic
// on the main client is unaffected, following the teacher pack's
// TypedPubSub pattern.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(json.RawMessage)) error {
	ps := s.sub.Subscribe(ctx, channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("kv subscribe %s: %w", channel, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.log.WithField("channel", channel).Debug("kv pubsub message received")
			handler(json.RawMessage(msg.Payload))
		}
	}
}

// Close releases both underlying connections.
func (s *Store) Close() error {
	if err := s.sub.Close(); err != nil {
		return err
	}
	return s.cmd.Close()
}
