// Package errors defines the typed failures of the build pipeline. Each
// failure maps to a machine-readable models.FailureReason recorded on the build.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/narvanalabs/appfactory/internal/models"
)

// DuplicateEntityError reports a unique-field collision on registration.
type DuplicateEntityError struct {
	Entity string
	Field  string
	Value  string
}

func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("%s with %s %q already exists", e.Entity, e.Field, e.Value)
}

// WorkspaceError reports that a template could not be materialized.
type WorkspaceError struct {
	Path string
	Err  error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("materializing workspace %s: %v", e.Path, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// Reason returns the failure reason code.
func (e *WorkspaceError) Reason() models.FailureReason { return models.FailureReasonWorkspace }

// WorkspaceLayoutError reports a template that lacks the directory the
// credential is injected into. It is structural, not transient.
type WorkspaceLayoutError struct {
	Path   string
	SubDir string
}

func (e *WorkspaceLayoutError) Error() string {
	return fmt.Sprintf("workspace %s has no %s directory", e.Path, e.SubDir)
}

// Reason returns the failure reason code.
func (e *WorkspaceLayoutError) Reason() models.FailureReason {
	return models.FailureReasonWorkspaceLayout
}

// CredentialMissingError reports that neither the company nor the operator
// provided a store credential.
type CredentialMissingError struct {
	CompanyID string
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("no store credential for company %s and no fallback configured", e.CompanyID)
}

// Reason returns the failure reason code.
func (e *CredentialMissingError) Reason() models.FailureReason {
	return models.FailureReasonCredentialMissing
}

// PublishError reports a stage, commit or push failure.
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Reason returns the failure reason code.
func (e *PublishError) Reason() models.FailureReason { return models.FailureReasonPublish }

// DispatchError reports that the CI provider rejected or never received the
// workflow dispatch.
type DispatchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workflow dispatch: %v", e.Err)
	}
	return fmt.Sprintf("workflow dispatch rejected with status %d: %s", e.StatusCode, e.Body)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Reason returns the failure reason code.
func (e *DispatchError) Reason() models.FailureReason { return models.FailureReasonDispatch }

// RunNotFoundError reports that no run could be correlated with a dispatch.
type RunNotFoundError struct {
	Branch   string
	Workflow string
}

func (e *RunNotFoundError) Error() string {
	if e.Workflow != "" {
		return fmt.Sprintf("no %q run found on branch %s", e.Workflow, e.Branch)
	}
	return fmt.Sprintf("no run found on branch %s", e.Branch)
}

// Reason returns the failure reason code.
func (e *RunNotFoundError) Reason() models.FailureReason { return models.FailureReasonRunNotFound }

// PollTimeoutError reports that a run did not finish within the poll bound.
type PollTimeoutError struct {
	RunID    int64
	Attempts int
	Elapsed  time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("run %d still running after %d polls (%s)", e.RunID, e.Attempts, e.Elapsed.Round(time.Second))
}

// Reason returns the failure reason code.
func (e *PollTimeoutError) Reason() models.FailureReason { return models.FailureReasonPollTimeout }

// RunFailedError reports a run that finished with a conclusion other than success.
type RunFailedError struct {
	RunID      int64
	Conclusion string
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %d concluded %s", e.RunID, e.Conclusion)
}

// Reason returns the failure reason code.
func (e *RunFailedError) Reason() models.FailureReason { return models.FailureReasonRunFailed }

// InterruptedError reports a build abandoned by a restart before its workflow
// run was recorded, so the dispatch outcome is unknown.
type InterruptedError struct {
	Status models.BuildStatus
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("build interrupted while %s before a workflow run was recorded", e.Status)
}

// Reason returns the failure reason code.
func (e *InterruptedError) Reason() models.FailureReason { return models.FailureReasonInterrupted }

type reasoner interface {
	Reason() models.FailureReason
}

// ReasonFor maps err to the failure reason stored on the build.
func ReasonFor(err error) models.FailureReason {
	if err == nil {
		return models.FailureReasonNone
	}
	var r reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	if errors.Is(err, context.Canceled) {
		return models.FailureReasonInterrupted
	}
	return models.FailureReasonInternal
}
