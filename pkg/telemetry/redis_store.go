package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore mirrors accepted snapshots into a capped Redis list so an external
// reporter can read them. Writes happen on a background loop; Publish never blocks.
type RedisStore struct {
	Client *redis.Client

	Key          string        // list key, e.g. "tickgov:snapshots"
	MaxSnapshots int64         // list is trimmed to the newest MaxSnapshots entries
	TTL          time.Duration // expiry refreshed on every write, 0 disables
	Timeout      time.Duration // per-write timeout

	queue  chan Snapshot
	logger *slog.Logger
}

// NewRedisStore is the constructor.
func NewRedisStore(rdb *redis.Client, key string, maxSnapshots int, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSnapshots <= 0 {
		maxSnapshots = DefaultMaxSnapshots
	}
	return &RedisStore{
		Client:       rdb,
		Key:          key,
		MaxSnapshots: int64(maxSnapshots),
		TTL:          time.Hour * 24,
		Timeout:      time.Second * 2,
		queue:        make(chan Snapshot, 16),
		logger:       logger,
	}
}

// Publish enqueues a snapshot for writing. It returns false when the queue is full.
func (s *RedisStore) Publish(snap Snapshot) bool {
	select {
	case s.queue <- snap:
		return true
	default:
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (s *RedisStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.queue:
			if err := s.write(ctx, snap); err != nil {
				s.logger.Error("telemetry redis write failed",
					slog.String("key", s.Key),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (s *RedisStore) write(ctx context.Context, snap Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.Key, data)
		pipe.LTrim(ctx, s.Key, -s.MaxSnapshots, -1)
		if s.TTL > 0 {
			pipe.Expire(ctx, s.Key, s.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push snapshot to %s: %w", s.Key, err)
	}
	return nil
}

// Recent reads back up to n of the newest stored snapshots, oldest first.
func (s *RedisStore) Recent(ctx context.Context, n int64) ([]Snapshot, error) {
	if n <= 0 {
		return []Snapshot{}, nil
	}
	raw, err := s.Client.LRange(ctx, s.Key, -n, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read snapshots from %s: %w", s.Key, err)
	}
	out := make([]Snapshot, 0, len(raw))
	for _, r := range raw {
		snap, err := decodeSnapshot([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func encodeSnapshot(snap Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
