package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
)

// MemoryStore keeps jobs, tasks, sync tasks and errors in process memory.
// It enforces the same uniqueness and transition rules as the Postgres
// repositories and ignores transactions.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]model.Job
	tasks     map[string]model.Task
	syncTasks map[string]model.SyncTask
	errors    []model.ErrorRecord
	seq       int
	now       func() time.Time
}

var (
	_ JobRepository      = (*MemoryStore)(nil)
	_ SyncTaskRepository = (*MemoryStore)(nil)
	_ ErrorRepository    = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]model.Job),
		tasks:     make(map[string]model.Task),
		syncTasks: make(map[string]model.SyncTask),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// stamp returns a creation time that is unique and increasing even when the
// clock does not move between calls.
func (m *MemoryStore) stamp() time.Time {
	m.seq++
	return m.now().Add(time.Duration(m.seq) * time.Microsecond)
}

func (m *MemoryStore) CreateJob(_ context.Context, _ *sql.Tx, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists: %w", j.ID, common.ErrConflict)
	}
	j.CreatedAt = m.stamp()
	j.ModifiedAt = j.CreatedAt
	m.jobs[j.ID] = *j
	return nil
}

func (m *MemoryStore) CreateTask(_ context.Context, _ *sql.Tx, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists: %w", t.ID, common.ErrConflict)
	}
	if _, ok := m.jobs[t.JobID]; !ok {
		return fmt.Errorf("task %s references unknown job %s: %w", t.ID, t.JobID, common.ErrNotFound)
	}
	t.CreatedAt = m.stamp()
	t.ModifiedAt = t.CreatedAt
	m.tasks[t.ID] = *t
	return nil
}

func (m *MemoryStore) FindLatestJob(_ context.Context, operation, creator string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Job
	for _, j := range m.jobs {
		if j.Operation != operation || j.Creator != creator {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			j := j
			latest = &j
		}
	}
	if latest == nil {
		return nil, common.ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) FindTasksByJob(_ context.Context, jobID string) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, t := range m.tasks {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *MemoryStore) UpdateJobStatus(_ context.Context, id string, next model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return common.ErrNotFound
	}
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("jobs %s: %s -> %s: %w", id, j.Status, next, common.ErrInvalidTransition)
	}
	j.Status = next
	j.ModifiedAt = m.now()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) UpdateTaskStatus(_ context.Context, id string, next model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return common.ErrNotFound
	}
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("tasks %s: %s -> %s: %w", id, t.Status, next, common.ErrInvalidTransition)
	}
	t.Status = next
	t.ModifiedAt = m.now()
	m.tasks[id] = t
	return nil
}

func (m *MemoryStore) LinkTaskError(_ context.Context, taskID, errorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return common.ErrNotFound
	}
	t.ErrorID = &errorID
	t.ModifiedAt = m.now()
	m.tasks[taskID] = t
	return nil
}

func (m *MemoryStore) FailOngoingJobs(_ context.Context, operation, creator string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, j := range m.jobs {
		if j.Operation != operation || j.Creator != creator || j.Status != model.StatusOngoing {
			continue
		}
		j.Status = model.StatusFailure
		j.ModifiedAt = m.now()
		m.jobs[id] = j
		count++
		for tid, t := range m.tasks {
			if t.JobID == id && t.Status == model.StatusOngoing {
				t.Status = model.StatusFailure
				t.ModifiedAt = m.now()
				m.tasks[tid] = t
			}
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateSyncTask(_ context.Context, t *model.SyncTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.Status.Valid() {
		return fmt.Errorf("unknown sync task status %q: %w", t.Status, common.ErrBadRequest)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if !t.Status.IsTerminal() && m.hasSyncTask(t.Creator, t.Status, "") {
		return fmt.Errorf("a %s sync task already exists: %w", t.Status, common.ErrConflict)
	}
	t.CreatedAt = m.stamp()
	t.ModifiedAt = t.CreatedAt
	m.syncTasks[t.ID] = copySyncTask(*t)
	return nil
}

func (m *MemoryStore) hasSyncTask(creator string, status model.Status, except string) bool {
	for id, t := range m.syncTasks {
		if id != except && t.Creator == creator && t.Status == status {
			return true
		}
	}
	return false
}

func (m *MemoryStore) FindSyncTaskByStatus(_ context.Context, creator string, status model.Status) (*model.SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *model.SyncTask
	for _, t := range m.syncTasks {
		if t.Creator != creator || t.Status != status {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			c := copySyncTask(t)
			oldest = &c
		}
	}
	if oldest == nil {
		return nil, common.ErrNotFound
	}
	return oldest, nil
}

func (m *MemoryStore) MaxWatermark(_ context.Context, creator string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, t := range m.syncTasks {
		if t.Creator != creator || t.Watermark == nil {
			continue
		}
		if latest == nil || t.Watermark.After(*latest) {
			wm := *t.Watermark
			latest = &wm
		}
	}
	return latest, nil
}

func (m *MemoryStore) UpdateSyncTaskStatus(_ context.Context, id string, next model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.syncTasks[id]
	if !ok {
		return common.ErrNotFound
	}
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("sync task %s: %s -> %s: %w", id, t.Status, next, common.ErrInvalidTransition)
	}
	if !next.IsTerminal() && m.hasSyncTask(t.Creator, next, id) {
		return fmt.Errorf("another sync task is already %s: %w", next, common.ErrConflict)
	}
	t.Status = next
	t.ModifiedAt = m.now()
	m.syncTasks[id] = t
	return nil
}

func (m *MemoryStore) AdvanceWatermark(_ context.Context, id string, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.syncTasks[id]
	if !ok {
		return common.ErrNotFound
	}
	watermark = watermark.UTC()
	if t.Watermark == nil || t.Watermark.Before(watermark) {
		t.Watermark = &watermark
		t.ModifiedAt = m.now()
		m.syncTasks[id] = t
	}
	return nil
}

func (m *MemoryStore) FailOngoingSyncTasks(_ context.Context, creator string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, t := range m.syncTasks {
		if t.Creator == creator && t.Status == model.StatusOngoing {
			t.Status = model.StatusFailure
			t.ModifiedAt = m.now()
			m.syncTasks[id] = t
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListRecentSyncTasks(_ context.Context, creator string, limit int) ([]model.SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SyncTask
	for _, t := range m.syncTasks {
		if t.Creator == creator {
			out = append(out, copySyncTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateError(_ context.Context, e *model.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = m.stamp()
	m.errors = append(m.errors, *e)
	return nil
}

func (m *MemoryStore) ListErrorsByTarget(_ context.Context, targetID string) ([]model.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ErrorRecord
	for _, e := range m.errors {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRecentErrors(_ context.Context, limit int) ([]model.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ErrorRecord, 0, len(m.errors))
	for i := len(m.errors) - 1; i >= 0; i-- {
		out = append(out, m.errors[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func copySyncTask(t model.SyncTask) model.SyncTask {
	if t.Watermark != nil {
		wm := *t.Watermark
		t.Watermark = &wm
	}
	return t
}
