package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"rollcall/internal/lifecycle/models"
	"rollcall/pkg/platform/sentinel"
)

const (
	operationKeyPrefix = "lifecycle:op:"
	statusKeyPrefix    = "lifecycle:status:"
)

// RedisStore keeps each entry as JSON under lifecycle:op:<id> and indexes it in
// one sorted set per status, scored by updated-at in milliseconds.
// Writes use WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisStore struct {
	client        redis.UniversalClient
	casDurationMs prometheus.Histogram
}

// NewRedis registers the store's compare-and-swap latency histogram on reg.
// A nil reg leaves the histogram unregistered.
func NewRedis(client redis.UniversalClient, reg prometheus.Registerer) *RedisStore {
	return &RedisStore{
		client: client,
		casDurationMs: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "rollcall_ledger_redis_cas_duration_ms",
			Help:    "Latency of ledger compare-and-swap against Redis in milliseconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 25, 50},
		}),
	}
}

func operationKey(id string) string { return operationKeyPrefix + id }

func statusKey(s models.OperationStatus) string { return statusKeyPrefix + string(s) }

func (s *RedisStore) Create(ctx context.Context, op *models.Operation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	key := operationKey(op.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("operation %s: %w", op.ID, sentinel.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			pipe.ZAdd(ctx, statusKey(op.Status), redis.Z{Score: score(op.UpdatedAt), Member: op.ID})
			return nil
		})
		return err
	}, key)
	return mapTxErr(err, op.ID)
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*models.Operation, error) {
	raw, err := s.client.Get(ctx, operationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("operation %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return decodeOperation(raw)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, op *models.Operation, expectedVersion int64) error {
	start := time.Now()
	defer func() {
		s.casDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	key := operationKey(op.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("operation %s: %w", op.ID, sentinel.ErrNotFound)
		}
		if err != nil {
			return err
		}
		current, err := decodeOperation(raw)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("operation %s version %d: %w", op.ID, expectedVersion, sentinel.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			if current.Status != op.Status {
				pipe.ZRem(ctx, statusKey(current.Status), op.ID)
			}
			pipe.ZAdd(ctx, statusKey(op.Status), redis.Z{Score: score(op.UpdatedAt), Member: op.ID})
			return nil
		})
		return err
	}, key)
	return mapTxErr(err, op.ID)
}

func (s *RedisStore) ListByStatus(ctx context.Context, statuses []models.OperationStatus, updatedBefore time.Time, limit int) ([]*models.Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	maxScore := "+inf"
	if !updatedBefore.IsZero() {
		maxScore = "(" + strconv.FormatInt(updatedBefore.UnixMilli(), 10)
	}

	var ids []string
	for _, st := range statuses {
		members, err := s.client.ZRangeByScore(ctx, statusKey(st), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("scan status index: %w", err)
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = operationKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}

	out := make([]*models.Operation, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		op, err := decodeOperation([]byte(raw))
		if err != nil {
			return nil, err
		}
		// The index may briefly lag a concurrent transition.
		if !slices.Contains(statuses, op.Status) {
			continue
		}
		if !updatedBefore.IsZero() && !op.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, op)
	}
	slices.SortFunc(out, func(a, b *models.Operation) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func decodeOperation(raw []byte) (*models.Operation, error) {
	var op models.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	return &op, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func mapTxErr(err error, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("operation %s: concurrent write: %w", id, sentinel.ErrConflict)
	}
	if errors.Is(err, sentinel.ErrConflict) || errors.Is(err, sentinel.ErrNotFound) {
		return err
	}
	return fmt.Errorf("redis transaction: %w", err)
}
