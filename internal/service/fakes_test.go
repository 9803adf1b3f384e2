package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/dao"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

// memTaskState mirrors the redis fast store semantics in memory.
type memTaskState struct {
	*core.BaseComponent
	mu       sync.Mutex
	tasks    map[string]*model.MainTask
	subtasks map[string]*model.Subtask
	order    map[string][]string
	counted  map[string]map[string]bool
	locks    map[string]string
	history  map[string][]consts.TaskStatus // every status written per subtask
	failWith error
}

func newMemTaskState() *memTaskState {
	return &memTaskState{
		BaseComponent: core.NewBaseComponent(consts.COMP_DAO_TASK_STATE),
		tasks:         map[string]*model.MainTask{},
		subtasks:      map[string]*model.Subtask{},
		order:         map[string][]string{},
		counted:       map[string]map[string]bool{},
		locks:         map[string]string{},
		history:       map[string][]consts.TaskStatus{},
	}
}

// setSubtask stores s and records its status; callers hold mu.
func (m *memTaskState) setSubtask(s *model.Subtask) {
	m.subtasks[s.UUID] = s
	m.history[s.UUID] = append(m.history[s.UUID], s.Status)
}

func (m *memTaskState) statusHistory(id string) []consts.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]consts.TaskStatus(nil), m.history[id]...)
}

func cloneTask(t *model.MainTask) *model.MainTask { c := *t; return &c }

func cloneSubtask(s *model.Subtask) *model.Subtask {
	c := *s
	c.Items = append([]model.ResourceItem(nil), s.Items...)
	c.Results = append([]model.ItemResult(nil), s.Results...)
	return &c
}

func statusIn(s consts.TaskStatus, from []consts.TaskStatus) bool {
	for _, f := range from {
		if f == s {
			return true
		}
	}
	return false
}

func (m *memTaskState) CreateTask(ctx context.Context, task *model.MainTask, subtasks []*model.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.tasks[task.UUID] = cloneTask(task)
	for _, s := range subtasks {
		m.setSubtask(cloneSubtask(s))
		m.order[task.UUID] = append(m.order[task.UUID], s.UUID)
	}
	return nil
}

func (m *memTaskState) GetTask(ctx context.Context, id string) (*model.MainTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, dao.ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *memTaskState) GetSubtask(ctx context.Context, id string) (*model.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subtasks[id]
	if !ok {
		return nil, dao.ErrNotFound
	}
	return cloneSubtask(s), nil
}

func (m *memTaskState) ListSubtasks(ctx context.Context, taskUUID string) ([]*model.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subtask
	for _, id := range m.order[taskUUID] {
		if s, ok := m.subtasks[id]; ok {
			out = append(out, cloneSubtask(s))
		}
	}
	return out, nil
}

func (m *memTaskState) TransitionSubtask(ctx context.Context, id string, to consts.TaskStatus, from ...consts.TaskStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subtasks[id]
	if !ok {
		return false, dao.ErrNotFound
	}
	if !statusIn(s.Status, from) {
		return false, nil
	}
	s.Status = to
	if to == consts.StatusProcessing {
		now := time.Now()
		s.StartedAt = &now
	}
	m.history[id] = append(m.history[id], to)
	return true, nil
}

func (m *memTaskState) TransitionTask(ctx context.Context, id string, to consts.TaskStatus, from ...consts.TaskStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, dao.ErrNotFound
	}
	if !statusIn(t.Status, from) {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *memTaskState) SaveSubtaskResult(ctx context.Context, st *model.Subtask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subtasks[st.UUID]
	if !ok {
		return false, dao.ErrNotFound
	}
	if s.Status != consts.StatusProcessing {
		return false, nil
	}
	started := s.StartedAt
	c := cloneSubtask(st)
	c.StartedAt = started
	m.setSubtask(c)
	return true, nil
}

func (m *memTaskState) AppendSubtask(ctx context.Context, taskUUID string, st *model.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskUUID]
	if !ok {
		return dao.ErrNotFound
	}
	m.setSubtask(cloneSubtask(st))
	m.order[taskUUID] = append(m.order[taskUUID], st.UUID)
	t.TotalBatches++
	return nil
}

func (m *memTaskState) BumpCounters(ctx context.Context, taskUUID, subtaskUUID string, success, failed int) (*model.MainTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskUUID]
	if !ok {
		return nil, false, dao.ErrNotFound
	}
	if t.CompletedBatches >= t.TotalBatches {
		return cloneTask(t), false, nil
	}
	if m.counted[taskUUID] == nil {
		m.counted[taskUUID] = map[string]bool{}
	}
	if m.counted[taskUUID][subtaskUUID] {
		return cloneTask(t), false, nil
	}
	m.counted[taskUUID][subtaskUUID] = true
	t.CompletedBatches++
	t.SuccessCount += success
	t.FailedCount += failed
	t.UpdatedAt = time.Now()
	return cloneTask(t), true, nil
}

func (m *memTaskState) SetLastError(ctx context.Context, taskUUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskUUID]
	if !ok {
		return dao.ErrNotFound
	}
	t.LastError = msg
	return nil
}

func (m *memTaskState) ListActive(ctx context.Context, limit int) ([]*model.MainTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.MainTask
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTaskState) Retire(ctx context.Context, taskUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order[taskUUID] {
		delete(m.subtasks, id)
	}
	delete(m.order, taskUUID)
	delete(m.tasks, taskUUID)
	delete(m.counted, taskUUID)
	return nil
}

func (m *memTaskState) AcquireTaskLock(ctx context.Context, taskUUID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[taskUUID]; held {
		return false, nil
	}
	m.locks[taskUUID] = owner
	return true, nil
}

func (m *memTaskState) ReleaseTaskLock(ctx context.Context, taskUUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[taskUUID] == owner {
		delete(m.locks, taskUUID)
	}
	return nil
}

// memBatchLogs implements dao.BatchLogDao.
type memBatchLogs struct {
	*core.BaseComponent
	mu   sync.Mutex
	logs map[string]*model.BatchLog
}

func newMemBatchLogs() *memBatchLogs {
	return &memBatchLogs{BaseComponent: core.NewBaseComponent(consts.COMP_DAO_BATCH_LOG), logs: map[string]*model.BatchLog{}}
}

func (m *memBatchLogs) Create(ctx context.Context, l *model.BatchLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.logs[l.UUID] = &c
	return nil
}

func (m *memBatchLogs) Get(ctx context.Context, id string) (*model.BatchLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, dao.ErrNotFound
	}
	c := *l
	return &c, nil
}

func (m *memBatchLogs) UpdateProgress(ctx context.Context, id string, p dao.ProgressUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok || l.Status.Terminal() {
		return nil
	}
	if p.Status != "" {
		l.Status = p.Status
	}
	l.TotalBatches, l.CompletedBatches = p.TotalBatches, p.CompletedBatches
	l.SuccessCount, l.FailedCount = p.SuccessCount, p.FailedCount
	return nil
}

func (m *memBatchLogs) Finalize(ctx context.Context, id string, p dao.ProgressUpdate, details datatypes.JSON) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok || l.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	l.Status = p.Status
	l.TotalBatches, l.CompletedBatches = p.TotalBatches, p.CompletedBatches
	l.SuccessCount, l.FailedCount = p.SuccessCount, p.FailedCount
	l.ErrorMessage = p.ErrorMessage
	l.Details = details
	l.CompletedAt = &now
	return true, nil
}

func (m *memBatchLogs) MarkFailed(ctx context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[id]; ok && !l.Status.Terminal() {
		l.Status = consts.StatusFailed
		l.ErrorMessage = msg
	}
	return nil
}

func (m *memBatchLogs) filtered(f model.BatchLogFilter) []*model.BatchLog {
	var out []*model.BatchLog
	for _, l := range m.logs {
		if f.Type != "" && l.Type != f.Type {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.OwnerID != "" && l.OwnerID != f.OwnerID {
			continue
		}
		c := *l
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memBatchLogs) List(ctx context.Context, f model.BatchLogFilter) ([]*model.BatchLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filtered(f)
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memBatchLogs) Count(ctx context.Context, f model.BatchLogFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.filtered(f))), nil
}

func (m *memBatchLogs) DeleteOlderThan(ctx context.Context, deadline time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, l := range m.logs {
		if l.CreatedAt.Before(deadline) && l.Status.Terminal() {
			delete(m.logs, id)
			n++
		}
	}
	return n, nil
}

// memResources implements dao.ResourceDao.
type memResources struct {
	*core.BaseComponent
	mu        sync.Mutex
	nextID    int64
	resources map[int64]*model.Resource
	tags      map[int64][]string
	failLinks map[string]bool
	reviewed  chan int64
}

func newMemResources() *memResources {
	return &memResources{
		BaseComponent: core.NewBaseComponent(consts.COMP_DAO_RESOURCE),
		resources:     map[int64]*model.Resource{},
		tags:          map[int64][]string{},
		failLinks:     map[string]bool{},
		reviewed:      make(chan int64, 64),
	}
}

func (m *memResources) Insert(ctx context.Context, r *model.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLinks[r.Link] {
		return errors.New("duplicate link")
	}
	m.nextID++
	r.ID = m.nextID
	c := *r
	m.resources[r.ID] = &c
	return nil
}

func (m *memResources) AttachTags(ctx context.Context, id int64, tags []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := dao.NormalizeTags(tags)
	m.tags[id] = names
	return names, nil
}

func (m *memResources) UpdateReview(ctx context.Context, id int64, u dao.ReviewUpdate) error {
	m.mu.Lock()
	r, ok := m.resources[id]
	if ok {
		score := u.Score
		r.AIRiskScore = &score
		r.AIReviewReason = u.Reason
		if u.Status != "" {
			r.Status = u.Status
		}
	}
	m.mu.Unlock()
	if !ok {
		return dao.ErrNotFound
	}
	m.reviewed <- id
	return nil
}

func (m *memResources) get(id int64) model.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.resources[id]
}

// memDeadLetters implements dao.DeadLetterDao.
type memDeadLetters struct {
	*core.BaseComponent
	mu   sync.Mutex
	list []*model.ReviewDeadLetter
}

func newMemDeadLetters() *memDeadLetters {
	return &memDeadLetters{BaseComponent: core.NewBaseComponent(consts.COMP_DAO_DEAD_LETTER)}
}

func (m *memDeadLetters) Put(ctx context.Context, dl *model.ReviewDeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = append(m.list, dl)
	return nil
}

func (m *memDeadLetters) List(ctx context.Context, limit int) ([]*model.ReviewDeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.ReviewDeadLetter(nil), m.list...), nil
}

func (m *memDeadLetters) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.list), nil
}

// stubCategoryDao implements dao.CategoryDao.
type stubCategoryDao struct {
	*core.BaseComponent
	mu    sync.Mutex
	list  []*model.Category
	calls int
	block chan struct{}
	err   error
}

func newStubCategoryDao() *stubCategoryDao {
	return &stubCategoryDao{
		BaseComponent: core.NewBaseComponent(consts.COMP_DAO_CATEGORY),
		list: []*model.Category{
			{ID: 1, Name: "Other"}, {ID: 2, Name: "Video"}, {ID: 3, Name: "Music"},
			{ID: 4, Name: "Books"}, {ID: 5, Name: "Courses"}, {ID: 6, Name: "Software"},
		},
	}
}

func (s *stubCategoryDao) List(ctx context.Context) ([]*model.Category, error) {
	s.mu.Lock()
	s.calls++
	block, err, list := s.block, s.err, s.list
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return list, err
}

func (s *stubCategoryDao) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubAI answers by prompt prefix; handler nil means the provider errors.
type stubAI struct {
	handler func(ctx context.Context, prompt string) (string, error)
}

func (s *stubAI) Complete(ctx context.Context, prompt string) (string, error) {
	if s.handler == nil {
		return "", errors.New("ai unavailable")
	}
	return s.handler(ctx, prompt)
}

// queueDispatcher records triggers so tests can drive the chain step by step.
type queueDispatcher struct {
	mu    sync.Mutex
	queue []string
	err   error
}

func (q *queueDispatcher) Trigger(ctx context.Context, taskUUID, subtaskUUID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.queue = append(q.queue, subtaskUUID)
	return nil
}

func (q *queueDispatcher) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return "", false
	}
	id := q.queue[0]
	q.queue = q.queue[1:]
	return id, true
}

func defaultIngest() config.IngestConfig { return config.Default().Ingest }

type harness struct {
	state      *memTaskState
	logs       *memBatchLogs
	resources  *memResources
	dlq        *memDeadLetters
	categories *stubCategoryDao
	ai         *stubAI
	dispatch   *queueDispatcher
	reviewer   *Reviewer
	enricher   *Enricher
	submitter  *Submitter
	executor   *SubtaskExecutor
	progress   *ProgressService
}

func newHarness(batchSize int) *harness {
	h := &harness{
		state:      newMemTaskState(),
		logs:       newMemBatchLogs(),
		resources:  newMemResources(),
		dlq:        newMemDeadLetters(),
		categories: newStubCategoryDao(),
		ai:         &stubAI{},
		dispatch:   &queueDispatcher{},
	}
	cfg := config.Default()
	cfg.Ingest.BatchSize = batchSize

	cache := NewCategoryCache(cfg.Category)
	cache.CategoryDao = h.categories

	h.enricher = NewEnricher(cfg.Enrich, cfg.Ingest)
	h.enricher.AI = h.ai

	h.reviewer = NewReviewer(config.ReviewConfig{Workers: 1, QueueSize: 16, Timeout: time.Second, AutoApproveThreshold: 30})
	h.reviewer.AI = h.ai
	h.reviewer.ResourceDao = h.resources
	h.reviewer.DeadLetters = h.dlq

	pipeline := NewItemPipeline()
	pipeline.Enricher = h.enricher
	pipeline.ResourceDao = h.resources
	pipeline.Reviewer = h.reviewer

	h.submitter = NewSubmitter(cfg.Ingest)
	h.submitter.TaskState = h.state
	h.submitter.BatchLogs = h.logs
	h.submitter.Dispatcher = h.dispatch

	h.executor = NewSubtaskExecutor(cfg.Executor)
	h.executor.TaskState = h.state
	h.executor.BatchLogs = h.logs
	h.executor.Categories = cache
	h.executor.Pipeline = pipeline
	h.executor.Dispatcher = h.dispatch

	h.progress = NewProgressService()
	h.progress.TaskState = h.state
	h.progress.BatchLogs = h.logs
	return h
}

// drain runs every triggered subtask until the chain stops.
func (h *harness) drain(ctx context.Context) ([]*ExecutionReport, error) {
	var reports []*ExecutionReport
	for {
		id, ok := h.dispatch.pop()
		if !ok {
			return reports, nil
		}
		rep, err := h.executor.Execute(ctx, id)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
}
