package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/repository"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/logging"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/queue"
)

const (
	creator   = "http://example.org/consumer"
	operation = "http://example.org/initial-sync"
)

func newTestService(t *testing.T, startFrom *time.Time) (*SyncService, *repository.MemoryStore, *queue.MemoryTriggerQueue) {
	t.Helper()
	store := repository.NewMemoryStore()
	triggers := queue.NewMemoryTriggerQueue(4)
	cfg := SyncServiceConfig{Creator: creator, InitialSyncOperation: operation, StartFrom: startFrom}
	return NewSyncService(store, store, store, triggers, cfg, logging.Discard()), store, triggers
}

func popSignal(t *testing.T, q *queue.MemoryTriggerQueue) (queue.Signal, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s, err := q.Pop(ctx)
	return s, err == nil
}

func TestScheduleSyncTask_KeepsSingleQueuedTask(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)
	second, err := svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	tasks, err := store.ListRecentSyncTasks(ctx, creator, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, model.StatusNotStarted, tasks[0].Status)
}

func TestTriggerDeltaSync(t *testing.T) {
	ctx := context.Background()

	t.Run("idle worker accepts and is woken", func(t *testing.T) {
		svc, _, triggers := newTestService(t, nil)
		res, err := svc.TriggerDeltaSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, TriggerAccepted, res)

		signal, ok := popSignal(t, triggers)
		require.True(t, ok)
		assert.Equal(t, queue.SignalDeltaSync, signal)
	})

	t.Run("running task queues the next one", func(t *testing.T) {
		svc, store, triggers := newTestService(t, nil)
		running := &model.SyncTask{Creator: creator, Status: model.StatusOngoing}
		require.NoError(t, store.CreateSyncTask(ctx, running))

		res, err := svc.TriggerDeltaSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, TriggerAlreadyRunning, res)

		queued, err := store.FindSyncTaskByStatus(ctx, creator, model.StatusNotStarted)
		require.NoError(t, err)
		assert.NotEqual(t, running.ID, queued.ID)

		_, ok := popSignal(t, triggers)
		assert.False(t, ok, "worker must not be woken while a task runs")
	})
}

func TestRunState(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	state, err := svc.RunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateIdle, state)

	task, err := svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)
	state, err = svc.RunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateNotStarted, state)

	require.NoError(t, store.UpdateSyncTaskStatus(ctx, task.ID, model.StatusOngoing))
	state, err = svc.RunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, state)

	require.NoError(t, store.UpdateSyncTaskStatus(ctx, task.ID, model.StatusSuccess))
	state, err = svc.RunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateIdle, state)
}

func TestNextSyncTask_StartWatermark(t *testing.T) {
	ctx := context.Background()
	configured := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	t.Run("nothing queued", func(t *testing.T) {
		svc, _, _ := newTestService(t, &configured)
		_, _, err := svc.NextSyncTask(ctx)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("no watermark and no start timestamp", func(t *testing.T) {
		svc, _, _ := newTestService(t, nil)
		queued, err := svc.ScheduleSyncTask(ctx)
		require.NoError(t, err)

		task, _, err := svc.NextSyncTask(ctx)
		assert.ErrorIs(t, err, common.ErrConfiguration)
		require.NotNil(t, task)
		assert.Equal(t, queued.ID, task.ID)
	})

	t.Run("falls back to configured timestamp", func(t *testing.T) {
		svc, _, _ := newTestService(t, &configured)
		_, err := svc.ScheduleSyncTask(ctx)
		require.NoError(t, err)

		_, since, err := svc.NextSyncTask(ctx)
		require.NoError(t, err)
		assert.True(t, since.Equal(configured))
	})

	t.Run("stored watermark wins", func(t *testing.T) {
		svc, store, _ := newTestService(t, &configured)
		done := &model.SyncTask{Creator: creator, Status: model.StatusSuccess, Watermark: &stored}
		require.NoError(t, store.CreateSyncTask(ctx, done))
		_, err := svc.ScheduleSyncTask(ctx)
		require.NoError(t, err)

		_, since, err := svc.NextSyncTask(ctx)
		require.NoError(t, err)
		assert.True(t, since.Equal(stored))
	})
}

func TestRecover_FailsLeftovers(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	task := &model.SyncTask{Creator: creator, Status: model.StatusOngoing}
	require.NoError(t, store.CreateSyncTask(ctx, task))
	job := &model.Job{Operation: operation, Creator: creator, Status: model.StatusOngoing}
	require.NoError(t, store.CreateJob(ctx, nil, job))

	require.NoError(t, svc.Recover(ctx))

	state, err := svc.RunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateIdle, state)
	latest, err := store.FindLatestJob(ctx, operation, creator)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailure, latest.Status)
}

func TestFailSyncTask_IgnoresFinishedTasks(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	task := &model.SyncTask{Creator: creator, Status: model.StatusSuccess}
	require.NoError(t, store.CreateSyncTask(ctx, task))
	assert.NoError(t, svc.FailSyncTask(ctx, task.ID))

	tasks, err := store.ListRecentSyncTasks(ctx, creator, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, tasks[0].Status)
}

func TestInitialSyncSucceeded(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	done, err := svc.InitialSyncSucceeded(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	job := &model.Job{Operation: operation, Creator: creator, Status: model.StatusOngoing}
	require.NoError(t, store.CreateJob(ctx, nil, job))
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, model.StatusSuccess))

	done, err = svc.InitialSyncSucceeded(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)
	svc.RecordError(ctx, "boom", "")

	snap, err := svc.Snapshot(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateNotStarted, snap.State)
	assert.Nil(t, snap.Watermark)
	assert.Nil(t, snap.InitialSyncJob)
	assert.Len(t, snap.RecentTasks, 1)
	require.Len(t, snap.RecentErrors, 1)
	assert.Equal(t, "boom", snap.RecentErrors[0].Message)
}

func TestSnapshot_DescribesInitialSync(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	job := &model.Job{Operation: operation, Creator: creator, Status: model.StatusOngoing}
	require.NoError(t, store.CreateJob(ctx, nil, job))
	task := &model.Task{JobID: job.ID, Operation: model.TaskOperationInitialSync, Status: model.StatusOngoing}
	require.NoError(t, store.CreateTask(ctx, nil, task))
	require.NoError(t, store.UpdateTaskStatus(ctx, task.ID, model.StatusFailure))
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, model.StatusFailure))
	svc.RecordError(ctx, "dump missing", task.ID)
	svc.RecordError(ctx, "Unexpected error while booting the service: dump missing", job.ID)
	svc.RecordError(ctx, "unrelated", "")

	snap, err := svc.Snapshot(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, snap.InitialSyncJob)
	assert.Equal(t, job.ID, snap.InitialSyncJob.ID)
	require.Len(t, snap.InitialSyncTasks, 1)
	assert.Equal(t, model.StatusFailure, snap.InitialSyncTasks[0].Status)

	var messages []string
	for _, rec := range snap.InitialSyncErrors {
		messages = append(messages, rec.Message)
	}
	assert.ElementsMatch(t, []string{"dump missing", "Unexpected error while booting the service: dump missing"}, messages)
}
