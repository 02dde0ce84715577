package builder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/appfactory/internal/models"
	queuememory "github.com/narvanalabs/appfactory/internal/queue/memory"
	"github.com/narvanalabs/appfactory/internal/store/memory"
)

func TestRecoveryService_RecoverOnStartup(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := queuememory.New()

	pending := &models.Build{CompanyID: "7"}
	withRun := &models.Build{CompanyID: "7"}
	withoutRun := &models.Build{CompanyID: "7"}
	done := &models.Build{CompanyID: "7"}
	for _, b := range []*models.Build{pending, withRun, withoutRun, done} {
		require.NoError(t, st.Builds().Create(ctx, b))
	}
	for _, b := range []*models.Build{withRun, withoutRun, done} {
		_, err := st.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusInProgress})
		require.NoError(t, err)
	}
	require.NoError(t, st.Builds().SetWorkflowRunID(ctx, withRun.ID, 31))
	_, err := st.Builds().Transition(ctx, done.ID, models.StatusChange{From: models.BuildStatusInProgress, To: models.BuildStatusSuccess})
	require.NoError(t, err)

	r := NewRecoveryService(st, q, time.Minute, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	result, err := r.RecoverOnStartup(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.InterruptedBuilds)
	assert.Equal(t, 1, result.ResumedBuilds)
	assert.Equal(t, 1, result.RequeuedBuilds)

	failed, err := st.Builds().Get(ctx, withoutRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailure, failed.Status)
	assert.Equal(t, models.FailureReasonInterrupted, failed.FailureReason)

	jobs := map[string]bool{}
	for q.Len() > 0 {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		jobs[job.BuildID] = job.Resume
	}
	assert.Equal(t, map[string]bool{pending.ID: false, withRun.ID: true}, jobs)
}

func TestRecoveryService_LeavesFreshBuilds(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := queuememory.New()

	b := &models.Build{CompanyID: "7"}
	require.NoError(t, st.Builds().Create(ctx, b))
	_, err := st.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusInProgress})
	require.NoError(t, err)

	result, err := NewRecoveryService(st, q, time.Hour, nil).RecoverOnStartup(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.InterruptedBuilds+result.ResumedBuilds+result.RequeuedBuilds)
	assert.Zero(t, q.Len())
}
