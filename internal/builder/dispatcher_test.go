package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/integrations/github"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/store"
	"github.com/narvanalabs/appfactory/internal/store/memory"
)

type failingDispatchCI struct {
	stubCI
	err error
}

func (f *failingDispatchCI) DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]string) error {
	return f.err
}

func TestDispatcher_MapsProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "rejected", err: &github.StatusError{Op: "dispatch", StatusCode: 404, Body: "Not Found"}, status: 404},
		{name: "transport", err: errors.New("dial tcp: connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			b := &models.Build{CompanyID: "7"}
			require.NoError(t, st.Builds().Create(context.Background(), b))

			d := NewDispatcher(st, &failingDispatchCI{err: tt.err}, "build.yml", "main", nil, nil)
			got, err := d.Dispatch(context.Background(), b)

			var derr *builderrors.DispatchError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.status, derr.StatusCode)
			assert.Equal(t, models.BuildStatusFailure, got.Status)
			assert.Equal(t, models.FailureReasonDispatch, got.FailureReason)
			assert.Nil(t, got.WorkflowRunID)
		})
	}
}

func TestDispatcher_RequiresPendingBuild(t *testing.T) {
	st := memory.New()
	b := &models.Build{CompanyID: "7"}
	require.NoError(t, st.Builds().Create(context.Background(), b))
	_, err := st.Builds().Transition(context.Background(), b.ID, models.StatusChange{From: models.BuildStatusPending, To: models.BuildStatusFailure})
	require.NoError(t, err)

	d := NewDispatcher(st, &stubCI{}, "build.yml", "main", nil, nil)
	_, err = d.Dispatch(context.Background(), b)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestDispatcher_StartFailureReturnsBuild(t *testing.T) {
	st := memory.New()
	b := &models.Build{CompanyID: "7"}
	require.NoError(t, st.Builds().Create(context.Background(), b))

	d := NewDispatcher(startFailingStore{st}, &stubCI{}, "build.yml", "main", nil, nil)
	got, err := d.Dispatch(context.Background(), b)

	require.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, models.BuildStatusPending, got.Status)
}
