package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	continueMarkerTTL = 10 * time.Minute
	cumulativeTTL     = 7 * 24 * time.Hour
	logStreamMaxLen   = 1000
)

// Redis key layout shared with the rest of the platform.
func queueKey(project, session string) string      { return "task_queue:" + project + ":" + session }
func genStateKey(project, session string) string   { return "gen_state:" + project + ":" + session }
func continueKey(project, session string) string   { return "writer_continue:" + project + ":" + session }
func cumulativeKey(project, session string) string { return "cumulative_summary:" + project + ":" + session }
func feedbackKey(project, session string) string   { return "feedback:" + project + ":" + session }
func logStreamKey(project, session string) string  { return "sequence_logs:" + project + ":" + session }

// RedisStore keeps each session's queue in a Redis list so the runner can be
// restarted (or observed by other processes) without losing state.
type RedisStore struct {
	client *redis.Client
	notify *notifier
	logger *log.Logger
}

// NewRedisStore wraps an already-configured client.
func NewRedisStore(client *redis.Client, logger *log.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisStore{client: client, notify: newNotifier(), logger: logger}, nil
}

func (s *RedisStore) SaveQueue(ctx context.Context, project, session string, tasks []TaskRecord) error {
	key := queueKey(project, session)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, t := range tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, key, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) LoadQueue(ctx context.Context, project, session string) ([]TaskRecord, error) {
	entries, err := s.client.LRange(ctx, queueKey(project, session), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	tasks := make([]TaskRecord, 0, len(entries))
	for _, e := range entries {
		var t TaskRecord
		if err := json.Unmarshal([]byte(e), &t); err != nil {
			s.logger.Printf("[store] 无法解析queue条目: %v", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *RedisStore) UpdateTask(ctx context.Context, project, session string, index int, task TaskRecord) error {
	key := queueKey(project, session)
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	cur, err := s.client.LIndex(ctx, key, int64(index)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err == nil {
		var probe TaskRecord
		if json.Unmarshal([]byte(cur), &probe) == nil && probe.Index == task.Index {
			if err := s.client.LSet(ctx, key, int64(index), payload).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			return nil
		}
	}

	// The list shifted under us. Re-locate by logical index and retry once.
	entries, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for i, e := range entries {
		var probe TaskRecord
		if json.Unmarshal([]byte(e), &probe) == nil && probe.Index == task.Index {
			s.logger.Printf("[store] queue位置漂移, 按逻辑index %d 重定位: %d -> %d", task.Index, index, i)
			if err := s.client.LSet(ctx, key, int64(i), payload).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: logical index %d", ErrTaskNotFound, task.Index)
}

func (s *RedisStore) SignalContinue(ctx context.Context, project, session string) error {
	key := continueKey(project, session)
	if err := s.client.Set(ctx, key, "true", continueMarkerTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.notify.notify(key)
	return nil
}

func (s *RedisStore) AwaitContinue(ctx context.Context, project, session string, timeout, poll time.Duration, onTick func(elapsed int)) bool {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	key := continueKey(project, session)
	consume := func() bool {
		err := s.client.GetDel(ctx, key).Err()
		return err == nil
	}

	wake, cancel := s.notify.wait(key)
	defer func() { cancel() }()

	// The marker may predate this wait.
	if consume() {
		return true
	}

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-wake:
			if consume() {
				return true
			}
			// Another waiter won the marker; keep waiting.
			cancel()
			wake, cancel = s.notify.wait(key)
		case <-ticker.C:
			if onTick != nil {
				onTick(int(time.Since(start).Seconds()))
			}
			if consume() {
				return true
			}
		}
	}
}

func (s *RedisStore) PushFeedback(ctx context.Context, project, session string, fb Feedback) error {
	payload, err := json.Marshal(fb)
	if err != nil {
		return err
	}
	key := feedbackKey(project, session)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) PopFeedback(ctx context.Context, project, session string) (*Feedback, error) {
	raw, err := s.client.RPop(ctx, feedbackKey(project, session)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var fb Feedback
	if err := json.Unmarshal([]byte(raw), &fb); err != nil {
		s.logger.Printf("[store] 无法解析feedback条目: %v", err)
		return nil, nil
	}
	return &fb, nil
}

func (s *RedisStore) CumulativeContext(ctx context.Context, project, session string) (*CumulativeContext, error) {
	raw, err := s.client.Get(ctx, cumulativeKey(project, session)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var cc CumulativeContext
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		s.logger.Printf("[store] 无法解析累积摘要: %v", err)
		return nil, nil
	}
	return &cc, nil
}

func (s *RedisStore) PutCumulativeContext(ctx context.Context, project, session string, cc *CumulativeContext) error {
	payload, err := json.Marshal(cc)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, cumulativeKey(project, session), payload, cumulativeTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) ClearCumulativeContext(ctx context.Context, project, session string) error {
	if err := s.client.Del(ctx, cumulativeKey(project, session)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SetGenerationState(ctx context.Context, project, session, state string, ttl time.Duration) error {
	if err := s.client.Set(ctx, genStateKey(project, session), state, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) AppendLog(ctx context.Context, project, session, level, message string) {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: logStreamKey(project, session),
		MaxLen: logStreamMaxLen,
		Approx: true,
		Values: map[string]any{"level": level, "message": message},
	}).Err()
	if err != nil {
		s.logger.Printf("[store] 写入log stream失败: %v", err)
	}
}
