package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cordum/procflow/internal/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const timelineMaxEntries = 1000

// RedisStore persists process models, instances and future tasks in Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to url and returns a process store.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client. Close closes the client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SaveModel validates and upserts a process model.
func (s *RedisStore) SaveModel(ctx context.Context, m *ProcessModel) error {
	if err := m.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, modelKey(m.ID), payload, 0)
	pipe.ZAdd(ctx, modelIndexKey(), redis.Z{Score: float64(now.Unix()), Member: m.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetModel returns a process model by ID.
func (s *RedisStore) GetModel(ctx context.Context, id string) (*ProcessModel, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: model id required", ErrInvalid)
	}
	var m ProcessModel
	if err := s.getJSON(ctx, modelKey(id), &m); err != nil {
		return nil, fmt.Errorf("model %s: %w", id, err)
	}
	return &m, nil
}

// DeleteModel removes a model. Instances of the model error on their next advance.
func (s *RedisStore) DeleteModel(ctx context.Context, id string) error {
	if _, err := s.GetModel(ctx, id); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, modelKey(id))
	pipe.ZRem(ctx, modelIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// ListModels returns the most recently updated models.
func (s *RedisStore) ListModels(ctx context.Context, limit int64) ([]*ProcessModel, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, modelIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ProcessModel, 0, len(ids))
	for _, data := range s.mget(ctx, ids, modelKey) {
		var m ProcessModel
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// CreateInstance persists a new instance and indexes it.
func (s *RedisStore) CreateInstance(ctx context.Context, inst *ProcessInstance) error {
	if inst == nil || inst.ID == "" || inst.ModelID == "" {
		return fmt.Errorf("%w: instance id and model id required", ErrInvalid)
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.Status == "" {
		inst.Status = StatusNotStarted
	}
	return s.writeInstance(ctx, inst, "")
}

// UpdateInstance overwrites an instance and moves it between status indexes.
func (s *RedisStore) UpdateInstance(ctx context.Context, inst *ProcessInstance) error {
	if inst == nil || inst.ID == "" || inst.ModelID == "" {
		return fmt.Errorf("%w: instance id and model id required", ErrInvalid)
	}
	prev := InstanceStatus("")
	if cur, err := s.GetInstance(ctx, inst.ID); err == nil {
		prev = cur.Status
	}
	return s.writeInstance(ctx, inst, prev)
}

func (s *RedisStore) writeInstance(ctx context.Context, inst *ProcessInstance, prev InstanceStatus) error {
	now := time.Now().UTC()
	inst.UpdatedAt = now
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	score := float64(now.Unix())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, instanceKey(inst.ID), payload, 0)
	pipe.ZAdd(ctx, instanceModelIndexKey(inst.ModelID), redis.Z{Score: score, Member: inst.ID})
	pipe.ZAdd(ctx, instanceStatusIndexKey(inst.Status), redis.Z{Score: score, Member: inst.ID})
	if prev != "" && prev != inst.Status {
		pipe.ZRem(ctx, instanceStatusIndexKey(prev), inst.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetInstance fetches an instance by ID.
func (s *RedisStore) GetInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: instance id required", ErrInvalid)
	}
	var inst ProcessInstance
	if err := s.getJSON(ctx, instanceKey(id), &inst); err != nil {
		return nil, fmt.Errorf("instance %s: %w", id, err)
	}
	if inst.Tasks == nil {
		inst.Tasks = map[string]*TaskRun{}
	}
	if inst.Data == nil {
		inst.Data = map[string]any{}
	}
	return &inst, nil
}

// DeleteInstance removes an instance, its indexes, timeline and timers.
func (s *RedisStore) DeleteInstance(ctx context.Context, id string) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	guids, _ := s.client.SMembers(ctx, instanceFutureTasksKey(id)).Result()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, instanceKey(id), instanceTimelineKey(id), instanceFutureTasksKey(id))
	pipe.ZRem(ctx, instanceModelIndexKey(inst.ModelID), id)
	pipe.ZRem(ctx, instanceStatusIndexKey(inst.Status), id)
	for _, guid := range guids {
		pipe.Del(ctx, futureTaskKey(guid))
		pipe.ZRem(ctx, futureTaskIndexKey(), guid)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListInstancesByModel returns recent instances of a model.
func (s *RedisStore) ListInstancesByModel(ctx context.Context, modelID string, limit int64) ([]*ProcessInstance, error) {
	if modelID == "" {
		return nil, fmt.Errorf("%w: model id required", ErrInvalid)
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, instanceModelIndexKey(modelID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ProcessInstance, 0, len(ids))
	for _, data := range s.mget(ctx, ids, instanceKey) {
		var inst ProcessInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}
		out = append(out, &inst)
	}
	return out, nil
}

// ListInstanceIDsByStatus returns instance IDs with status, least recently updated first.
func (s *RedisStore) ListInstanceIDsByStatus(ctx context.Context, status InstanceStatus, limit int64) ([]string, error) {
	if status == "" {
		return nil, fmt.Errorf("%w: status required", ErrInvalid)
	}
	if limit <= 0 {
		limit = 200
	}
	return s.client.ZRange(ctx, instanceStatusIndexKey(status), 0, limit-1).Result()
}

// AddFutureTask registers a timer.
func (s *RedisStore) AddFutureTask(ctx context.Context, ft *FutureTask) error {
	if ft == nil || ft.GUID == "" || ft.InstanceID == "" || ft.TaskID == "" {
		return fmt.Errorf("%w: future task guid, instance and task required", ErrInvalid)
	}
	if ft.CreatedAt.IsZero() {
		ft.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ft)
	if err != nil {
		return fmt.Errorf("marshal future task: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, futureTaskKey(ft.GUID), payload, 0)
	pipe.SAdd(ctx, instanceFutureTasksKey(ft.InstanceID), ft.GUID)
	if !ft.Completed {
		pipe.ZAdd(ctx, futureTaskIndexKey(), redis.Z{Score: float64(ft.RunAt.UnixMilli()), Member: ft.GUID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetFutureTask returns a timer by GUID.
func (s *RedisStore) GetFutureTask(ctx context.Context, guid string) (*FutureTask, error) {
	var ft FutureTask
	if err := s.getJSON(ctx, futureTaskKey(guid), &ft); err != nil {
		return nil, fmt.Errorf("future task %s: %w", guid, err)
	}
	return &ft, nil
}

// ListDueFutureTasks returns incomplete timers with run_at at or before before, soonest first.
func (s *RedisStore) ListDueFutureTasks(ctx context.Context, before time.Time, limit int64) ([]*FutureTask, error) {
	if limit <= 0 {
		limit = 200
	}
	guids, err := s.client.ZRangeByScore(ctx, futureTaskIndexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*FutureTask, 0, len(guids))
	for _, data := range s.mget(ctx, guids, futureTaskKey) {
		var ft FutureTask
		if err := json.Unmarshal(data, &ft); err != nil || ft.Completed {
			continue
		}
		out = append(out, &ft)
	}
	return out, nil
}

// CompleteFutureTask marks a timer done. It reports false when it was already complete.
func (s *RedisStore) CompleteFutureTask(ctx context.Context, guid string) (bool, error) {
	ft, err := s.GetFutureTask(ctx, guid)
	if err != nil {
		return false, err
	}
	if ft.Completed {
		return false, nil
	}
	ft.Completed = true
	payload, err := json.Marshal(ft)
	if err != nil {
		return false, fmt.Errorf("marshal future task: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, futureTaskKey(guid), payload, 0)
	pipe.ZRem(ctx, futureTaskIndexKey(), guid)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AppendTimelineEvent records an instance event in append-only order.
func (s *RedisStore) AppendTimelineEvent(ctx context.Context, instanceID string, event *TimelineEvent) error {
	if instanceID == "" || event == nil {
		return fmt.Errorf("%w: instance id and event required", ErrInvalid)
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, instanceTimelineKey(instanceID), data)
	pipe.LTrim(ctx, instanceTimelineKey(instanceID), -timelineMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListTimelineEvents returns timeline events in chronological order.
func (s *RedisStore) ListTimelineEvents(ctx context.Context, instanceID string, limit int64) ([]TimelineEvent, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("%w: instance id required", ErrInvalid)
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, instanceTimelineKey(instanceID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEvent, 0, len(raw))
	for _, item := range raw {
		var evt TimelineEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, dst any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// mget fetches keys in one pipeline, preserving order and skipping misses.
func (s *RedisStore) mget(ctx context.Context, ids []string, keyFn func(string) string) [][]byte {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, keyFn(id))
	}
	_, _ = pipe.Exec(ctx)
	out := make([][]byte, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

func modelKey(id string) string {
	return "pf:model:" + id
}

func modelIndexKey() string {
	return "pf:models:all"
}

func instanceKey(id string) string {
	return "pf:instance:" + id
}

func instanceModelIndexKey(modelID string) string {
	return "pf:instances:model:" + modelID
}

func instanceStatusIndexKey(status InstanceStatus) string {
	return "pf:instances:status:" + string(status)
}

func instanceTimelineKey(id string) string {
	return "pf:instance:timeline:" + id
}

func instanceFutureTasksKey(id string) string {
	return "pf:instance:future_tasks:" + id
}

func futureTaskKey(guid string) string {
	return "pf:future_task:" + guid
}

// scored by RunAt in unix milliseconds
func futureTaskIndexKey() string {
	return "pf:future_tasks:pending"
}
