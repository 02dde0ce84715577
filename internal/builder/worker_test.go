package builder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/appfactory/internal/models"
	queuememory "github.com/narvanalabs/appfactory/internal/queue/memory"
)

type recordingRunner struct {
	mu    sync.Mutex
	seen  map[string]int
	fail  map[string]error
	block bool
	// watch lists jobs whose run stays in CI until ctx is cancelled
	watch    map[string]bool
	watching map[string]bool
}

func (r *recordingRunner) Prepare(ctx context.Context, job *models.BuildJob) (*models.Build, error) {
	r.mu.Lock()
	r.seen[job.ID]++
	err := r.fail[job.ID]
	watch := r.watch[job.ID]
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil || !watch {
		return nil, err
	}
	return &models.Build{ID: job.BuildID, Status: models.BuildStatusInProgress}, nil
}

func (r *recordingRunner) Await(ctx context.Context, build *models.Build) error {
	r.mu.Lock()
	if r.watching == nil {
		r.watching = map[string]bool{}
	}
	r.watching[build.ID] = true
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	r.watching[build.ID] = false
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingRunner) isWatching(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watching[id]
}

func (r *recordingRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

func TestWorker_ProcessesAndAcksJobs(t *testing.T) {
	q := queuememory.New()
	runner := &recordingRunner{seen: map[string]int{}}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), &models.BuildJob{ID: id, BuildID: id}))
	}

	w := NewWorker(&WorkerConfig{Concurrency: 2, IdleBackoff: time.Millisecond}, q, runner, nil)
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool {
		return runner.count("a") == 1 && runner.count("b") == 1 && runner.count("c") == 1
	}, time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Zero(t, q.Len())
	_, err := q.Dequeue(context.Background())
	assert.Error(t, err)
}

func TestWorker_NacksFailedJobs(t *testing.T) {
	q := queuememory.New()
	runner := &recordingRunner{
		seen: map[string]int{},
		fail: map[string]error{"a": errors.New("store unavailable")},
	}
	require.NoError(t, q.Enqueue(context.Background(), &models.BuildJob{ID: "a", BuildID: "a"}))

	w := NewWorker(&WorkerConfig{Concurrency: 1, IdleBackoff: time.Millisecond}, q, runner, nil)
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return runner.count("a") >= 2 }, time.Second, 5*time.Millisecond)
	w.Stop()
}

func TestWorker_StopCancelsRunningJobs(t *testing.T) {
	q := queuememory.New()
	runner := &recordingRunner{seen: map[string]int{}, block: true}
	require.NoError(t, q.Enqueue(context.Background(), &models.BuildJob{ID: "a", BuildID: "a"}))

	w := NewWorker(&WorkerConfig{Concurrency: 1, IdleBackoff: time.Millisecond}, q, runner, nil)
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	// the interrupted job went back to the queue
	assert.Equal(t, 1, q.Len())
}

func TestWorker_WatchingRunDoesNotHoldSlot(t *testing.T) {
	q := queuememory.New()
	runner := &recordingRunner{seen: map[string]int{}, watch: map[string]bool{"a": true}}
	require.NoError(t, q.Enqueue(context.Background(), &models.BuildJob{ID: "a", BuildID: "a"}))
	require.NoError(t, q.Enqueue(context.Background(), &models.BuildJob{ID: "b", BuildID: "b"}))

	w := NewWorker(&WorkerConfig{Concurrency: 1, IdleBackoff: time.Millisecond}, q, runner, nil)
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool {
		return runner.isWatching("a") && runner.count("b") == 1
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	assert.False(t, runner.isWatching("a"), "stop did not wait for the run watch")
	// the watched job was acked once prepared
	assert.Zero(t, q.Len())
}
