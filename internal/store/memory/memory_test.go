package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompanyStore_DuplicateTaxID(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := &models.Company{Name: "Acme Ltda", TaxID: "12.345.678/0001-90"}
	require.NoError(t, s.Companies().Create(ctx, first))
	assert.NotEmpty(t, first.ID)

	err := s.Companies().Create(ctx, &models.Company{Name: "Other", TaxID: first.TaxID})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.Companies().GetByTaxID(ctx, first.TaxID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestTemplateStore_DuplicateRepoURL(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Templates().Create(ctx, &models.Template{Name: "base", RepoURL: "https://git.example.com/base.git"}))
	err := s.Templates().Create(ctx, &models.Template{Name: "copy", RepoURL: "https://git.example.com/base.git"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestAppStore_ListByCompanyNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, key := range []string{"a", "b", "c"} {
		require.NoError(t, s.Apps().Create(ctx, &models.App{
			CompanyID: "c1",
			AppKey:    key,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.Apps().Create(ctx, &models.App{CompanyID: "c2", AppKey: "d"}))

	apps, err := s.Apps().ListByCompany(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, apps, 3)
	assert.Equal(t, "c", apps[0].AppKey)
	assert.Equal(t, "a", apps[2].AppKey)

	err = s.Apps().Create(ctx, &models.App{CompanyID: "c2", AppKey: "a"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestBuildStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := &models.Build{CompanyID: "7", AppID: "app"}
	require.NoError(t, s.Builds().Create(ctx, b))
	assert.Equal(t, models.BuildStatusPending, b.Status)

	// run id may not be written while pending
	assert.ErrorIs(t, s.Builds().SetWorkflowRunID(ctx, b.ID, 1), store.ErrRunIDAlreadySet)

	got, err := s.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusInProgress})
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, s.Builds().SetWorkflowRunID(ctx, b.ID, 42))
	assert.ErrorIs(t, s.Builds().SetWorkflowRunID(ctx, b.ID, 43), store.ErrRunIDAlreadySet)

	got, err = s.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusInProgress, To: models.BuildStatusSuccess})
	require.NoError(t, err)
	require.NotNil(t, got.WorkflowRunID)
	assert.Equal(t, int64(42), *got.WorkflowRunID)
	assert.NotNil(t, got.FinishedAt)

	_, err = s.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusSuccess, To: models.BuildStatusFailure})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestBuildStore_TransitionRequiresCurrentStatus(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := &models.Build{CompanyID: "7"}
	require.NoError(t, s.Builds().Create(ctx, b))

	_, err := s.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusInProgress, To: models.BuildStatusFailure})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.Builds().Transition(ctx, "missing", models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusFailure})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuildStore_ConcurrentTransitionsSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := &models.Build{CompanyID: "7"}
	require.NoError(t, s.Builds().Create(ctx, b))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusInProgress})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestBuildStore_ListStaleUsesHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := New()

	old := &models.Build{CompanyID: "7"}
	alive := &models.Build{CompanyID: "7"}
	require.NoError(t, s.Builds().Create(ctx, old))
	require.NoError(t, s.Builds().Create(ctx, alive))
	for _, b := range []*models.Build{old, alive} {
		_, err := s.Builds().Transition(ctx, b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusInProgress})
		require.NoError(t, err)
	}

	cutoff := time.Now().UTC().Add(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Builds().Heartbeat(ctx, alive.ID))

	stale, err := s.Builds().ListStale(ctx, models.BuildStatusInProgress, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

// TestBuildStore_TransitionProperty checks that the persisted status only ever
// follows the state machine, whatever sequence of changes is attempted.
func TestBuildStore_TransitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	statuses := models.ValidBuildStatuses()
	genStatus := gen.IntRange(0, len(statuses)-1).Map(func(i int) models.BuildStatus { return statuses[i] })

	properties.Property("status follows the state machine", prop.ForAll(
		func(targets []models.BuildStatus) bool {
			ctx := context.Background()
			s := New()
			b := &models.Build{CompanyID: "c"}
			if err := s.Builds().Create(ctx, b); err != nil {
				return false
			}

			current := models.BuildStatusPending
			for _, to := range targets {
				_, err := s.Builds().Transition(ctx, b.ID, models.StatusChange{From: current, To: to})
				allowed := current.CanTransitionTo(to)
				if allowed != (err == nil) {
					return false
				}
				if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
					return false
				}
				if allowed {
					current = to
				}
			}

			got, err := s.Builds().Get(ctx, b.ID)
			return err == nil && got.Status == current
		},
		gen.SliceOf(genStatus),
	))

	properties.TestingRun(t)
}
