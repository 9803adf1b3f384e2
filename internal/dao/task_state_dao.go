package dao

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/redis"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

var ErrNotFound = errors.New("record not found")

// TaskStateDao is the fast store for active MainTasks and their Subtasks.
type TaskStateDao interface {
	core.Component
	CreateTask(ctx context.Context, task *model.MainTask, subtasks []*model.Subtask) error
	GetTask(ctx context.Context, taskUUID string) (*model.MainTask, error)
	GetSubtask(ctx context.Context, subtaskUUID string) (*model.Subtask, error)
	ListSubtasks(ctx context.Context, taskUUID string) ([]*model.Subtask, error)
	// TransitionSubtask is a compare-and-set on status; false means the current status was not in from.
	TransitionSubtask(ctx context.Context, subtaskUUID string, to consts.TaskStatus, from ...consts.TaskStatus) (bool, error)
	TransitionTask(ctx context.Context, taskUUID string, to consts.TaskStatus, from ...consts.TaskStatus) (bool, error)
	// SaveSubtaskResult persists results only while the subtask is still processing.
	SaveSubtaskResult(ctx context.Context, st *model.Subtask) (bool, error)
	AppendSubtask(ctx context.Context, taskUUID string, st *model.Subtask) error
	// BumpCounters adds one completed batch plus the item counts, at most once per subtask.
	BumpCounters(ctx context.Context, taskUUID, subtaskUUID string, success, failed int) (*model.MainTask, bool, error)
	SetLastError(ctx context.Context, taskUUID, msg string) error
	ListActive(ctx context.Context, limit int) ([]*model.MainTask, error)
	Retire(ctx context.Context, taskUUID string) error
	AcquireTaskLock(ctx context.Context, taskUUID, owner string, ttl time.Duration) (bool, error)
	ReleaseTaskLock(ctx context.Context, taskUUID, owner string) error
}

// KEYS[1]=hash ARGV[1]=to ARGV[2]=allowed from list "a|b" ARGV[3]=now ms ARGV[4]=timestamp field
var transitionScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if not string.find('|' .. ARGV[2] .. '|', '|' .. cur .. '|', 1, true) then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[3])
if ARGV[4] ~= '' then redis.call('HSET', KEYS[1], ARGV[4], ARGV[3]) end
return 1
`)

// KEYS[1]=subtask hash
var saveResultScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if cur ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'items', ARGV[2], 'results', ARGV[3],
  'success_count', ARGV[4], 'failed_count', ARGV[5], 'unprocessed', ARGV[6], 'completed_at', ARGV[7], 'updated_at', ARGV[7])
return 1
`)

// KEYS[1]=task hash KEYS[2]=counted set
var bumpScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local total = tonumber(redis.call('HGET', KEYS[1], 'total_batches') or '0')
local done = tonumber(redis.call('HGET', KEYS[1], 'completed_batches') or '0')
if done >= total then return -2 end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then return 0 end
redis.call('HINCRBY', KEYS[1], 'completed_batches', 1)
redis.call('HINCRBY', KEYS[1], 'success_count', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'failed_count', ARGV[3])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
return 1
`)

var releaseLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end
return 0
`)

type taskStateDaoImpl struct {
	*core.BaseComponent
	RedisComp *redis.RedisComponent `infra:"dep:redis"`
	client    goredis.UniversalClient
	prefix    string
	ttl       time.Duration
}

func NewTaskStateDao(prefix string, ttl time.Duration) TaskStateDao {
	if prefix == "" {
		prefix = "ingest:"
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &taskStateDaoImpl{
		BaseComponent: core.NewBaseComponent(consts.COMP_DAO_TASK_STATE, appconsts.COMPONENT_LOGGING),
		prefix:        prefix,
		ttl:           ttl,
	}
}

// NewTaskStateDaoWithClient is used when the client is built outside the container.
func NewTaskStateDaoWithClient(client goredis.UniversalClient, prefix string, ttl time.Duration) TaskStateDao {
	d := NewTaskStateDao(prefix, ttl).(*taskStateDaoImpl)
	d.client = client
	return d
}

func (d *taskStateDaoImpl) Start(ctx context.Context) error {
	if err := d.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if d.client == nil {
		if d.RedisComp == nil || d.RedisComp.Client() == nil {
			return fmt.Errorf("task_state_dao requires an active redis component")
		}
		d.client = d.RedisComp.Client()
	}
	return nil
}

func (d *taskStateDaoImpl) taskKey(id string) string { return d.prefix + "task:" + id }
func (d *taskStateDaoImpl) subtasksKey(id string) string { return d.prefix + "task:" + id + ":subtasks" }
func (d *taskStateDaoImpl) countedKey(id string) string { return d.prefix + "task:" + id + ":counted" }
func (d *taskStateDaoImpl) subtaskKey(id string) string { return d.prefix + "subtask:" + id }
func (d *taskStateDaoImpl) lockKey(id string) string { return d.prefix + "lock:task:" + id }
func (d *taskStateDaoImpl) activeKey() string { return d.prefix + "tasks:active" }

func (d *taskStateDaoImpl) CreateTask(ctx context.Context, task *model.MainTask, subtasks []*model.Subtask) error {
	_, err := d.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		tk := d.taskKey(task.UUID)
		pipe.HSet(ctx, tk, encodeTask(task))
		pipe.Expire(ctx, tk, d.ttl)
		for _, st := range subtasks {
			fields, err := encodeSubtask(st)
			if err != nil {
				return err
			}
			sk := d.subtaskKey(st.UUID)
			pipe.HSet(ctx, sk, fields)
			pipe.Expire(ctx, sk, d.ttl)
			pipe.RPush(ctx, d.subtasksKey(task.UUID), st.UUID)
		}
		pipe.Expire(ctx, d.subtasksKey(task.UUID), d.ttl)
		pipe.ZAdd(ctx, d.activeKey(), goredis.Z{Score: float64(task.CreatedAt.UnixMilli()), Member: task.UUID})
		return nil
	})
	return errors.Wrapf(err, "create task %s", task.UUID)
}

func (d *taskStateDaoImpl) GetTask(ctx context.Context, taskUUID string) (*model.MainTask, error) {
	m, err := d.client.HGetAll(ctx, d.taskKey(taskUUID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get task %s", taskUUID)
	}
	t := decodeTask(m)
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

func (d *taskStateDaoImpl) GetSubtask(ctx context.Context, subtaskUUID string) (*model.Subtask, error) {
	m, err := d.client.HGetAll(ctx, d.subtaskKey(subtaskUUID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get subtask %s", subtaskUUID)
	}
	st, err := decodeSubtask(m)
	if err != nil {
		return nil, errors.Wrapf(err, "decode subtask %s", subtaskUUID)
	}
	if st == nil {
		return nil, ErrNotFound
	}
	return st, nil
}

func (d *taskStateDaoImpl) ListSubtasks(ctx context.Context, taskUUID string) ([]*model.Subtask, error) {
	ids, err := d.client.LRange(ctx, d.subtasksKey(taskUUID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list subtasks %s", taskUUID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds, err := d.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, d.subtaskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load subtasks %s", taskUUID)
	}
	out := make([]*model.Subtask, 0, len(cmds))
	for _, c := range cmds {
		m, err := c.(*goredis.MapStringStringCmd).Result()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		st, err := decodeSubtask(m)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if st != nil {
			out = append(out, st)
		}
	}
	return out, nil
}

func joinStatuses(from []consts.TaskStatus) string {
	parts := make([]string, len(from))
	for i, s := range from {
		parts[i] = string(s)
	}
	return strings.Join(parts, "|")
}

func (d *taskStateDaoImpl) transition(ctx context.Context, key string, to consts.TaskStatus, from []consts.TaskStatus, tsField string) (bool, error) {
	now := msOf(time.Now())
	res, err := transitionScript.Run(ctx, d.client, []string{key}, string(to), joinStatuses(from), now, tsField).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "transition %s -> %s", key, to)
	}
	switch res {
	case -1:
		return false, ErrNotFound
	case 0:
		return false, nil
	}
	return true, nil
}

func (d *taskStateDaoImpl) TransitionSubtask(ctx context.Context, subtaskUUID string, to consts.TaskStatus, from ...consts.TaskStatus) (bool, error) {
	tsField := ""
	if to == consts.StatusProcessing {
		tsField = "started_at"
	}
	return d.transition(ctx, d.subtaskKey(subtaskUUID), to, from, tsField)
}

func (d *taskStateDaoImpl) TransitionTask(ctx context.Context, taskUUID string, to consts.TaskStatus, from ...consts.TaskStatus) (bool, error) {
	return d.transition(ctx, d.taskKey(taskUUID), to, from, "")
}

func (d *taskStateDaoImpl) SaveSubtaskResult(ctx context.Context, st *model.Subtask) (bool, error) {
	items, err := encodeSubtask(st)
	if err != nil {
		return false, errors.WithStack(err)
	}
	completed := time.Now()
	if st.CompletedAt != nil {
		completed = *st.CompletedAt
	}
	res, err := saveResultScript.Run(ctx, d.client, []string{d.subtaskKey(st.UUID)},
		string(st.Status), items["items"], items["results"], st.SuccessCount, st.FailedCount, st.Unprocessed, msOf(completed),
	).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "save subtask %s", st.UUID)
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

func (d *taskStateDaoImpl) AppendSubtask(ctx context.Context, taskUUID string, st *model.Subtask) error {
	fields, err := encodeSubtask(st)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = d.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		sk := d.subtaskKey(st.UUID)
		pipe.HSet(ctx, sk, fields)
		pipe.Expire(ctx, sk, d.ttl)
		pipe.RPush(ctx, d.subtasksKey(taskUUID), st.UUID)
		pipe.HIncrBy(ctx, d.taskKey(taskUUID), "total_batches", 1)
		pipe.HSet(ctx, d.taskKey(taskUUID), "updated_at", msOf(time.Now()))
		return nil
	})
	return errors.Wrapf(err, "append subtask to %s", taskUUID)
}

func (d *taskStateDaoImpl) BumpCounters(ctx context.Context, taskUUID, subtaskUUID string, success, failed int) (*model.MainTask, bool, error) {
	res, err := bumpScript.Run(ctx, d.client, []string{d.taskKey(taskUUID), d.countedKey(taskUUID)},
		subtaskUUID, success, failed, msOf(time.Now())).Int64()
	if err != nil {
		return nil, false, errors.Wrapf(err, "bump counters %s", taskUUID)
	}
	if res == -1 {
		return nil, false, ErrNotFound
	}
	if _, err := d.client.Expire(ctx, d.countedKey(taskUUID), d.ttl).Result(); err != nil {
		return nil, false, errors.WithStack(err)
	}
	t, err := d.GetTask(ctx, taskUUID)
	if err != nil {
		return nil, false, err
	}
	return t, res == 1, nil
}

func (d *taskStateDaoImpl) SetLastError(ctx context.Context, taskUUID, msg string) error {
	n, err := d.client.Exists(ctx, d.taskKey(taskUUID)).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return errors.WithStack(d.client.HSet(ctx, d.taskKey(taskUUID), "last_error", msg, "updated_at", msOf(time.Now())).Err())
}

func (d *taskStateDaoImpl) ListActive(ctx context.Context, limit int) ([]*model.MainTask, error) {
	if limit <= 0 {
		limit = 200
	}
	ids, err := d.client.ZRevRange(ctx, d.activeKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list active tasks")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds, err := d.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, d.taskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load active tasks")
	}
	out := make([]*model.MainTask, 0, len(ids))
	var stale []any
	for i, c := range cmds {
		m, _ := c.(*goredis.MapStringStringCmd).Result()
		if t := decodeTask(m); t != nil {
			out = append(out, t)
		} else {
			stale = append(stale, ids[i])
		}
	}
	// index entries whose hash expired
	if len(stale) > 0 {
		_ = d.client.ZRem(ctx, d.activeKey(), stale...).Err()
	}
	return out, nil
}

func (d *taskStateDaoImpl) Retire(ctx context.Context, taskUUID string) error {
	ids, err := d.client.LRange(ctx, d.subtasksKey(taskUUID), 0, -1).Result()
	if err != nil {
		return errors.Wrapf(err, "retire %s", taskUUID)
	}
	_, err = d.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, d.activeKey(), taskUUID)
		keys := []string{d.taskKey(taskUUID), d.subtasksKey(taskUUID), d.countedKey(taskUUID)}
		for _, id := range ids {
			keys = append(keys, d.subtaskKey(id))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	return errors.Wrapf(err, "retire %s", taskUUID)
}

func (d *taskStateDaoImpl) AcquireTaskLock(ctx context.Context, taskUUID, owner string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.lockKey(taskUUID), owner, ttl).Result()
	return ok, errors.WithStack(err)
}

func (d *taskStateDaoImpl) ReleaseTaskLock(ctx context.Context, taskUUID, owner string) error {
	return errors.WithStack(releaseLockScript.Run(ctx, d.client, []string{d.lockKey(taskUUID)}, owner).Err())
}
