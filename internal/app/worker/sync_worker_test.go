package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/delta"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/app/service"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/repository"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/lease"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/logging"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/platform/queue"
)

const (
	creator   = "http://example.org/consumer"
	operation = "http://example.org/initial-sync"
	leaseKey  = "test:lease"
)

var startFrom = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeDelta closes tasks the way the real runner does.
type fakeDelta struct {
	mu     sync.Mutex
	store  *repository.MemoryStore
	err    error
	panics bool
	calls  []time.Time
}

func (f *fakeDelta) Execute(ctx context.Context, task *model.SyncTask, since time.Time) (*delta.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, since)
	f.mu.Unlock()
	if f.panics {
		panic("kaboom")
	}
	if err := f.store.UpdateSyncTaskStatus(ctx, task.ID, model.StatusOngoing); err != nil {
		return nil, err
	}
	if f.err != nil {
		return &delta.RunResult{Status: model.StatusOngoing}, f.err
	}
	if err := f.store.UpdateSyncTaskStatus(ctx, task.ID, model.StatusSuccess); err != nil {
		return nil, err
	}
	return &delta.RunResult{Status: model.StatusSuccess, Watermark: since}, nil
}

type fakeInitial struct {
	job *model.Job
	err error
}

func (f *fakeInitial) Start(context.Context) (*model.Job, error) {
	return f.job, f.err
}

type harness struct {
	worker   *SyncWorker
	store    *repository.MemoryStore
	triggers *queue.MemoryTriggerQueue
	leases   *lease.MemoryManager
	delta    *fakeDelta
	initial  *fakeInitial
	svc      *service.SyncService
}

func newHarness(t *testing.T, cfg Config, start *time.Time) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	triggers := queue.NewMemoryTriggerQueue(8)
	leases := lease.NewMemoryManager()
	svc := service.NewSyncService(store, store, store, triggers,
		service.SyncServiceConfig{Creator: creator, InitialSyncOperation: operation, StartFrom: start}, logging.Discard())
	d := &fakeDelta{store: store}
	in := &fakeInitial{}
	cfg.LeaseKey = leaseKey
	cfg.LeaseTTL = time.Minute
	return &harness{
		worker:   NewSyncWorker(triggers, leases, svc, d, in, cfg, logging.Discard()),
		store:    store,
		triggers: triggers,
		leases:   leases,
		delta:    d,
		initial:  in,
		svc:      svc,
	}
}

func (h *harness) pending(t *testing.T) []queue.Signal {
	t.Helper()
	var out []queue.Signal
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		s, err := h.triggers.Pop(ctx)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, s)
	}
}

func (h *harness) taskStatuses(t *testing.T) []model.Status {
	t.Helper()
	tasks, err := h.store.ListRecentSyncTasks(context.Background(), creator, 0)
	require.NoError(t, err)
	var out []model.Status
	for _, task := range tasks {
		out = append(out, task.Status)
	}
	return out
}

func TestProcessDeltaSync_RunsQueuedTask(t *testing.T) {
	h := newHarness(t, Config{}, &startFrom)
	ctx := context.Background()
	_, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)

	h.worker.Process(ctx, queue.SignalDeltaSync)

	require.Len(t, h.delta.calls, 1)
	assert.True(t, h.delta.calls[0].Equal(startFrom))
	assert.Equal(t, []model.Status{model.StatusSuccess}, h.taskStatuses(t))
	assert.Empty(t, h.pending(t))
}

func TestProcessDeltaSync_FailureIsRecorded(t *testing.T) {
	h := newHarness(t, Config{}, &startFrom)
	ctx := context.Background()
	task, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)
	h.delta.err = errors.New("producer down")

	h.worker.Process(ctx, queue.SignalDeltaSync)

	assert.Equal(t, []model.Status{model.StatusFailure}, h.taskStatuses(t))
	recs, err := h.store.ListErrorsByTarget(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Unexpected error while ingesting: producer down", recs[0].Message)
}

func TestProcessDeltaSync_MissingStartWatermarkFailsTask(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	task, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)

	h.worker.Process(ctx, queue.SignalDeltaSync)

	assert.Empty(t, h.delta.calls)
	assert.Equal(t, []model.Status{model.StatusFailure}, h.taskStatuses(t))
	recs, err := h.store.ListErrorsByTarget(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Message, "START_FROM_DELTA_TIMESTAMP")
}

func TestProcessDeltaSync_SkipsWhileRunning(t *testing.T) {
	h := newHarness(t, Config{}, &startFrom)
	ctx := context.Background()
	require.NoError(t, h.store.CreateSyncTask(ctx, &model.SyncTask{Creator: creator, Status: model.StatusOngoing}))
	_, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)

	h.worker.Process(ctx, queue.SignalDeltaSync)

	assert.Empty(t, h.delta.calls)
	assert.ElementsMatch(t, []model.Status{model.StatusOngoing, model.StatusNotStarted}, h.taskStatuses(t))
}

func TestProcessDeltaSync_LeaseHeldDropsSignal(t *testing.T) {
	h := newHarness(t, Config{}, &startFrom)
	ctx := context.Background()
	_, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)
	held, err := h.leases.Acquire(ctx, leaseKey, time.Minute)
	require.NoError(t, err)

	h.worker.Process(ctx, queue.SignalDeltaSync)
	assert.Empty(t, h.delta.calls)

	require.NoError(t, h.leases.Release(ctx, held))
	h.worker.Process(ctx, queue.SignalDeltaSync)
	assert.Len(t, h.delta.calls, 1)
}

func TestProcessDeltaSync_WaitsForInitialSync(t *testing.T) {
	h := newHarness(t, Config{WaitForInitialSync: true}, &startFrom)
	ctx := context.Background()
	_, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)

	h.worker.Process(ctx, queue.SignalDeltaSync)
	assert.Empty(t, h.delta.calls)

	job := &model.Job{Operation: operation, Creator: creator, Status: model.StatusOngoing}
	require.NoError(t, h.store.CreateJob(ctx, nil, job))
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, model.StatusSuccess))

	h.worker.Process(ctx, queue.SignalDeltaSync)
	assert.Len(t, h.delta.calls, 1)
}

func TestProcessDeltaSync_DisabledIngest(t *testing.T) {
	h := newHarness(t, Config{DisableDeltaIngest: true}, &startFrom)
	ctx := context.Background()
	_, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)

	h.worker.Process(ctx, queue.SignalDeltaSync)
	assert.Empty(t, h.delta.calls)
}

func TestProcess_RecoversFromPanic(t *testing.T) {
	h := newHarness(t, Config{}, &startFrom)
	ctx := context.Background()
	_, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)
	h.delta.panics = true

	assert.NotPanics(t, func() { h.worker.Process(ctx, queue.SignalDeltaSync) })

	recs, err := h.store.ListRecentErrors(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Message, "kaboom")

	// The lease was released on the way out.
	held, err := h.leases.Acquire(ctx, leaseKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.leases.Release(ctx, held))
}

func TestProcessInitialSync(t *testing.T) {
	ctx := context.Background()

	t.Run("successful bootstrap triggers delta sync", func(t *testing.T) {
		h := newHarness(t, Config{}, &startFrom)
		h.initial.job = &model.Job{ID: "job-1", Status: model.StatusSuccess}

		h.worker.Process(ctx, queue.SignalInitialSync)

		assert.Equal(t, []queue.Signal{queue.SignalDeltaSync}, h.pending(t))
		assert.Equal(t, []model.Status{model.StatusNotStarted}, h.taskStatuses(t))
	})

	t.Run("nothing to do", func(t *testing.T) {
		h := newHarness(t, Config{}, &startFrom)

		h.worker.Process(ctx, queue.SignalInitialSync)

		assert.Empty(t, h.pending(t))
	})

	t.Run("delta ingest disabled", func(t *testing.T) {
		h := newHarness(t, Config{DisableDeltaIngest: true}, &startFrom)
		h.initial.job = &model.Job{ID: "job-1", Status: model.StatusSuccess}

		h.worker.Process(ctx, queue.SignalInitialSync)

		assert.Empty(t, h.pending(t))
	})

	t.Run("failure is recorded", func(t *testing.T) {
		h := newHarness(t, Config{}, &startFrom)
		h.initial.job = &model.Job{ID: "job-1", Status: model.StatusFailure}
		h.initial.err = errors.New("dump missing")

		h.worker.Process(ctx, queue.SignalInitialSync)

		recs, err := h.store.ListErrorsByTarget(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "Unexpected error while booting the service: dump missing", recs[0].Message)
		assert.Empty(t, h.pending(t))
	})
}

func TestStart_StopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{}, &startFrom)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.svc.TriggerDeltaSync(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.worker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h.delta.mu.Lock()
		defer h.delta.mu.Unlock()
		return len(h.delta.calls) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRecover_OnlyWithLease(t *testing.T) {
	h := newHarness(t, Config{}, &startFrom)
	ctx := context.Background()
	task, err := h.svc.ScheduleSyncTask(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateSyncTaskStatus(ctx, task.ID, model.StatusOngoing))

	held, err := h.leases.Acquire(ctx, leaseKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.worker.Recover(ctx))
	assert.Equal(t, []model.Status{model.StatusOngoing}, h.taskStatuses(t))

	require.NoError(t, h.leases.Release(ctx, held))
	require.NoError(t, h.worker.Recover(ctx))
	assert.Equal(t, []model.Status{model.StatusFailure}, h.taskStatuses(t))

	_, err = h.leases.Acquire(ctx, leaseKey, time.Minute)
	assert.NoError(t, err, "recovery releases the lease")
}
