package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states mirrored into Redis so the API can answer status queries
// without touching the broker.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// ErrJobNotFound is returned when no state record exists for a job id.
var ErrJobNotFound = errors.New("job not found")

const (
	failedSetKey = "queue:failed"
	metricsKey   = "queue:metrics"
	jobTTL       = 7 * 24 * time.Hour
)

func jobKey(id string) string {
	return "job:" + id
}

// JobState is the queryable record of one job.
type JobState struct {
	ID           string          `json:"jobId"`
	Name         string          `json:"name"`
	State        string          `json:"state"`
	Progress     int             `json:"progress"`
	AttemptsMade int             `json:"attemptsMade"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
}

// Metrics summarizes queue health counters.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// State persists per-job progress records in Redis, keyed job:{id}.
type State struct {
	rdb *redis.Client
}

func NewState(rdb *redis.Client) *State {
	return &State{rdb: rdb}
}

func (s *State) Init(ctx context.Context, id, name string, data []byte, now time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"name":         name,
		"state":        StateWaiting,
		"progress":     0,
		"attemptsMade": 0,
		"data":         string(data),
		"timestamp":    now.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, jobKey(id), jobTTL)
	pipe.HIncrBy(ctx, metricsKey, StateWaiting, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to init job state: %w", err)
	}
	return nil
}

func (s *State) MarkActive(ctx context.Context, id string, attempt int) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "state", StateActive, "attemptsMade", attempt)
	pipe.HIncrBy(ctx, metricsKey, StateWaiting, -1)
	pipe.HIncrBy(ctx, metricsKey, StateActive, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job active: %w", err)
	}
	return nil
}

// MarkWaiting returns a job to the waiting state ahead of a retry delivery.
func (s *State) MarkWaiting(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "state", StateWaiting)
	pipe.HIncrBy(ctx, metricsKey, StateActive, -1)
	pipe.HIncrBy(ctx, metricsKey, StateWaiting, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job waiting: %w", err)
	}
	return nil
}

func (s *State) SetProgress(ctx context.Context, id string, progress int) error {
	if err := s.rdb.HSet(ctx, jobKey(id), "progress", progress).Err(); err != nil {
		return fmt.Errorf("failed to set job progress: %w", err)
	}
	return nil
}

func (s *State) MarkCompleted(ctx context.Context, id string, returnValue any, now time.Time) error {
	rv, err := json.Marshal(returnValue)
	if err != nil {
		return fmt.Errorf("failed to marshal return value: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id),
		"state", StateCompleted,
		"progress", 100,
		"returnvalue", string(rv),
		"finishedOn", now.UTC().Format(time.RFC3339Nano),
	)
	pipe.HIncrBy(ctx, metricsKey, StateActive, -1)
	pipe.HIncrBy(ctx, metricsKey, StateCompleted, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

func (s *State) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id),
		"state", StateFailed,
		"failedReason", reason,
		"finishedOn", now.UTC().Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, failedSetKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	pipe.HIncrBy(ctx, metricsKey, StateActive, -1)
	pipe.HIncrBy(ctx, metricsKey, StateFailed, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

func (s *State) Get(ctx context.Context, id string) (*JobState, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job state: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	js := &JobState{
		ID:           id,
		Name:         fields["name"],
		State:        fields["state"],
		FailedReason: fields["failedReason"],
	}
	js.Progress, _ = strconv.Atoi(fields["progress"])
	js.AttemptsMade, _ = strconv.Atoi(fields["attemptsMade"])
	if v := fields["returnvalue"]; v != "" {
		js.ReturnValue = json.RawMessage(v)
	}
	if v := fields["data"]; v != "" {
		js.Data = json.RawMessage(v)
	}
	if v := fields["timestamp"]; v != "" {
		js.Timestamp, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["finishedOn"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			js.FinishedOn = &t
		}
	}
	return js, nil
}

// ListFailed returns the most recently failed jobs, newest first.
func (s *State) ListFailed(ctx context.Context, limit int) ([]*JobState, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	ids, err := s.rdb.ZRevRange(ctx, failedSetKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	jobs := make([]*JobState, 0, len(ids))
	for _, id := range ids {
		js, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Record expired; drop the dangling index entry.
			s.rdb.ZRem(ctx, failedSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, js)
	}
	return jobs, nil
}

// ClearFailed removes a job from the failed index ahead of a retry.
func (s *State) ClearFailed(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, failedSetKey, id)
	pipe.HIncrBy(ctx, metricsKey, StateFailed, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear failed job: %w", err)
	}
	return nil
}

// Clean drops failed-job records older than the cutoff and returns how many
// were removed.
func (s *State) Clean(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan).UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, failedSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan stale jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, failedSetKey, id)
	}
	pipe.HIncrBy(ctx, metricsKey, StateFailed, int64(-len(ids)))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to clean stale jobs: %w", err)
	}
	return len(ids), nil
}

func (s *State) Metrics(ctx context.Context) (*Metrics, error) {
	fields, err := s.rdb.HGetAll(ctx, metricsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue metrics: %w", err)
	}
	var m Metrics
	m.Waiting, _ = strconv.ParseInt(fields[StateWaiting], 10, 64)
	m.Active, _ = strconv.ParseInt(fields[StateActive], 10, 64)
	m.Completed, _ = strconv.ParseInt(fields[StateCompleted], 10, 64)
	m.Failed, _ = strconv.ParseInt(fields[StateFailed], 10, 64)
	return &m, nil
}

// Ping verifies Redis reachability for health checks.
func (s *State) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
