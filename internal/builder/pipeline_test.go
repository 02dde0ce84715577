package builder

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/integrations/github"
	"github.com/narvanalabs/appfactory/internal/lock"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/store"
)

func TestPipeline_SuccessRecordsRunID(t *testing.T) {
	h := newHarness(t)
	b := h.newBuild(t)

	require.NoError(t, h.pipeline().Run(context.Background(), models.NewBuildJob(b)))

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusSuccess, got.Status)
	require.NotNil(t, got.WorkflowRunID)
	assert.Equal(t, int64(1001), *got.WorkflowRunID)
	assert.Empty(t, got.FailureReason)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	require.Len(t, h.actions.dispatches, 1)
	assert.Equal(t, testBranch, h.actions.dispatches[0]["ref"])
	assert.Equal(t, map[string]any{"company_id": "7"}, h.actions.dispatches[0]["inputs"])
	require.Len(t, h.publisher.messages, 1)
	assert.Contains(t, h.publisher.messages[0], "acme-ltda-7")
}

func TestPipeline_DispatchRejected(t *testing.T) {
	h := newHarness(t)
	h.actions.dispatchStatus = http.StatusUnprocessableEntity
	b := h.newBuild(t)

	require.NoError(t, h.pipeline().Run(context.Background(), models.NewBuildJob(b)))

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, models.FailureReasonDispatch, got.FailureReason)
	assert.Nil(t, got.WorkflowRunID)
	assert.Contains(t, got.FailureDetail, "422")
}

func TestPipeline_NoRunFound(t *testing.T) {
	h := newHarness(t)
	h.actions.createRuns = false
	b := h.newBuild(t)

	require.NoError(t, h.pipeline().Run(context.Background(), models.NewBuildJob(b)))

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, models.FailureReasonRunNotFound, got.FailureReason)
	assert.Nil(t, got.WorkflowRunID)
}

func TestPipeline_RunConcludedFailure(t *testing.T) {
	h := newHarness(t)
	h.actions.conclusion = "failure"
	b := h.newBuild(t)

	require.NoError(t, h.pipeline().Run(context.Background(), models.NewBuildJob(b)))

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, models.FailureReasonRunFailed, got.FailureReason)
	require.NotNil(t, got.WorkflowRunID)
}

func TestPipeline_PollTimeout(t *testing.T) {
	h := newHarness(t)
	h.actions.statuses = []string{github.RunStatusInProgress}
	h.pollCfg.MaxAttempts = 3
	b := h.newBuild(t)

	require.NoError(t, h.pipeline().Run(context.Background(), models.NewBuildJob(b)))

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, models.FailureReasonPollTimeout, got.FailureReason)
	require.NotNil(t, got.WorkflowRunID)
	assert.Equal(t, 3, h.actions.polls[*got.WorkflowRunID])
}

func TestPipeline_FailuresBeforeDispatch(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		reason models.FailureReason
	}{
		{
			name: "materialize",
			setup: func(h *harness) {
				h.workspaces.err = &builderrors.WorkspaceError{Path: "x", Err: errors.New("clone refused")}
			},
			reason: models.FailureReasonWorkspace,
		},
		{
			name:   "credential missing",
			setup:  func(h *harness) { h.creds.err = &builderrors.CredentialMissingError{CompanyID: "7"} },
			reason: models.FailureReasonCredentialMissing,
		},
		{
			name:   "layout",
			setup:  func(h *harness) { h.injector.err = &builderrors.WorkspaceLayoutError{Path: "x", SubDir: "android"} },
			reason: models.FailureReasonWorkspaceLayout,
		},
		{
			name:   "publish",
			setup:  func(h *harness) { h.publisher.err = &builderrors.PublishError{Op: "push", Err: errors.New("rejected")} },
			reason: models.FailureReasonPublish,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			b := h.newBuild(t)

			require.NoError(t, h.pipeline().Run(context.Background(), models.NewBuildJob(b)))

			got := h.reload(t, b.ID)
			assert.Equal(t, models.BuildStatusFailure, got.Status)
			assert.Equal(t, tt.reason, got.FailureReason)
			assert.Nil(t, got.WorkflowRunID)
			assert.Nil(t, got.StartedAt)
			assert.Zero(t, h.actions.dispatchCount())
		})
	}
}

func TestPipeline_MissingAppFailsBuild(t *testing.T) {
	h := newHarness(t)
	b := &models.Build{CompanyID: h.company.ID, AppID: "gone"}
	require.NoError(t, h.store.Builds().Create(context.Background(), b))

	require.NoError(t, h.pipeline().Run(context.Background(), models.NewBuildJob(b)))

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, models.FailureReasonInternal, got.FailureReason)
}

func TestPipeline_SameCompanyBuildsAreSerialized(t *testing.T) {
	h := newHarness(t)
	h.workspaces.hold = 20 * time.Millisecond
	first := h.newBuild(t)
	second := h.newBuild(t)
	p := h.pipeline()

	var wg sync.WaitGroup
	for _, b := range []*models.Build{first, second} {
		wg.Add(1)
		go func(b *models.Build) {
			defer wg.Done()
			assert.NoError(t, p.Run(context.Background(), models.NewBuildJob(b)))
		}(b)
	}
	wg.Wait()

	assert.False(t, h.workspaces.overlap, "workspace of one company materialized concurrently")
	a, b := h.reload(t, first.ID), h.reload(t, second.ID)
	assert.Equal(t, models.BuildStatusSuccess, a.Status)
	assert.Equal(t, models.BuildStatusSuccess, b.Status)
	require.NotNil(t, a.WorkflowRunID)
	require.NotNil(t, b.WorkflowRunID)
	assert.NotEqual(t, *a.WorkflowRunID, *b.WorkflowRunID)
	assert.Equal(t, 2, h.actions.dispatchCount())
}

func TestPipeline_ResumesKnownRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.newBuild(t)
	_, err := h.store.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusInProgress})
	require.NoError(t, err)
	require.NoError(t, h.store.Builds().SetWorkflowRunID(ctx, b.ID, 555))

	job := models.NewBuildJob(b)
	job.Resume = true
	p := h.pipeline()
	p.now = later
	require.NoError(t, p.Run(ctx, job))

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusSuccess, got.Status)
	assert.Equal(t, int64(555), *got.WorkflowRunID)
	assert.Zero(t, h.actions.dispatchCount())
	assert.Zero(t, h.workspaces.calls)
}

func TestPipeline_InProgressWithoutRunIsInterrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.newBuild(t)
	_, err := h.store.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusInProgress})
	require.NoError(t, err)

	p := h.pipeline()
	p.now = later
	require.NoError(t, p.Run(ctx, models.NewBuildJob(b)))

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, models.FailureReasonInterrupted, got.FailureReason)
	assert.Zero(t, h.actions.dispatchCount())
}

func TestPipeline_SkipsTerminalBuild(t *testing.T) {
	h := newHarness(t)
	b := h.newBuild(t)
	p := h.pipeline()
	require.NoError(t, p.Run(context.Background(), models.NewBuildJob(b)))
	require.Equal(t, 1, h.actions.dispatchCount())

	require.NoError(t, p.Run(context.Background(), models.NewBuildJob(b)))
	assert.Equal(t, 1, h.actions.dispatchCount())
	assert.Equal(t, models.BuildStatusSuccess, h.reload(t, b.ID).Status)
}

func TestPipeline_CancelledLeavesBuildForRecovery(t *testing.T) {
	h := newHarness(t)
	h.actions.statuses = []string{github.RunStatusInProgress}
	h.pollCfg.Interval = 50 * time.Millisecond
	h.pollCfg.MaxAttempts = 0
	b := h.newBuild(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := h.pipeline().Run(ctx, models.NewBuildJob(b))
	require.Error(t, err)

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusInProgress, got.Status)
	assert.NotNil(t, got.WorkflowRunID)
}

func TestPipeline_RecordsOutcomeMetrics(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()
	require.NoError(t, p.Run(context.Background(), models.NewBuildJob(h.newBuild(t))))

	h.actions.dispatchStatus = http.StatusNotFound
	require.NoError(t, p.Run(context.Background(), models.NewBuildJob(h.newBuild(t))))

	count, err := testutil.GatherAndCount(h.registry, "appfactory_builder_builds_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPipeline_LiveInProgressBuildIsLeftAlone(t *testing.T) {
	tests := []struct {
		name  string
		runID int64
	}{
		{name: "without run"},
		{name: "with run", runID: 77},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			b := h.newBuild(t)
			_, err := h.store.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusInProgress})
			require.NoError(t, err)
			if tt.runID != 0 {
				require.NoError(t, h.store.Builds().SetWorkflowRunID(ctx, b.ID, tt.runID))
			}

			require.NoError(t, h.pipeline().Run(ctx, models.NewBuildJob(b)))

			got := h.reload(t, b.ID)
			assert.Equal(t, models.BuildStatusInProgress, got.Status)
			assert.Empty(t, got.FailureReason)
			assert.Empty(t, h.actions.polls)
		})
	}
}

func TestPipeline_DuplicateJobsRunBuildOnce(t *testing.T) {
	h := newHarness(t)
	h.workspaces.hold = 50 * time.Millisecond
	b := h.newBuild(t)
	p := h.pipeline()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Run(context.Background(), models.NewBuildJob(b)))
		}()
	}
	wg.Wait()

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusSuccess, got.Status)
	require.NotNil(t, got.WorkflowRunID)
	assert.Equal(t, int64(1001), *got.WorkflowRunID)
	assert.Equal(t, 1, h.actions.dispatchCount())
	assert.Equal(t, 1, h.workspaces.calls)
}

// startFailingBuilds refuses to move builds to in_progress.
type startFailingBuilds struct {
	store.BuildStore
}

func (b startFailingBuilds) Transition(ctx context.Context, id string, change models.StatusChange) (*models.Build, error) {
	if change.To == models.BuildStatusInProgress {
		return nil, errors.New("connection reset by peer")
	}
	return b.BuildStore.Transition(ctx, id, change)
}

type startFailingStore struct {
	store.Store
}

func (s startFailingStore) Builds() store.BuildStore {
	return startFailingBuilds{s.Store.Builds()}
}

func TestPipeline_StartFailureFailsBuild(t *testing.T) {
	h := newHarness(t)
	h.wrap = func(st store.Store) store.Store { return startFailingStore{st} }
	b := h.newBuild(t)

	require.NotPanics(t, func() {
		require.NoError(t, h.pipeline().Run(context.Background(), models.NewBuildJob(b)))
	})

	got := h.reload(t, b.ID)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, models.FailureReasonInternal, got.FailureReason)
	assert.Contains(t, got.FailureDetail, "connection reset")
	assert.Zero(t, h.actions.dispatchCount())
}

func TestPipeline_HeartbeatWhileWaitingForCompanyLock(t *testing.T) {
	h := newHarness(t)
	h.heartbeat = 5 * time.Millisecond
	b := h.newBuild(t)

	unlock, err := h.locker.Lock(context.Background(), lock.CompanyKey(h.company.ID))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.pipeline().Run(context.Background(), models.NewBuildJob(b)) }()

	var first time.Time
	require.Eventually(t, func() bool {
		got, err := h.store.Builds().Get(context.Background(), b.ID)
		if err != nil || got.HeartbeatAt == nil {
			return false
		}
		if first.IsZero() {
			first = *got.HeartbeatAt
			return false
		}
		return got.HeartbeatAt.After(first)
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, models.BuildStatusPending, h.reload(t, b.ID).Status)

	unlock()
	require.NoError(t, <-done)
	assert.Equal(t, models.BuildStatusSuccess, h.reload(t, b.ID).Status)
}
