package models

import "time"

// BuildStatus represents the current state of a build.
type BuildStatus string

const (
	BuildStatusPending    BuildStatus = "pending"
	BuildStatusInProgress BuildStatus = "in_progress"
	BuildStatusSuccess    BuildStatus = "success"
	BuildStatusFailure    BuildStatus = "failure"
)

// IsValid returns true if the status is one of the known build states.
func (s BuildStatus) IsValid() bool {
	switch s {
	case BuildStatusPending, BuildStatusInProgress, BuildStatusSuccess, BuildStatusFailure:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition can leave the status.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildStatusSuccess || s == BuildStatusFailure
}

// CanTransitionTo reports whether moving from s to next is allowed.
//
// pending -> in_progress -> {success, failure}. A pending build may also fail
// directly when a phase before dispatch errors out.
func (s BuildStatus) CanTransitionTo(next BuildStatus) bool {
	switch s {
	case BuildStatusPending:
		return next == BuildStatusInProgress || next == BuildStatusFailure
	case BuildStatusInProgress:
		return next == BuildStatusSuccess || next == BuildStatusFailure
	default:
		return false
	}
}

// String returns the string representation of the build status.
func (s BuildStatus) String() string {
	return string(s)
}

// ValidBuildStatuses returns all valid build statuses.
func ValidBuildStatuses() []BuildStatus {
	return []BuildStatus{
		BuildStatusPending,
		BuildStatusInProgress,
		BuildStatusSuccess,
		BuildStatusFailure,
	}
}

// FailureReason is a machine-readable code explaining why a build failed.
type FailureReason string

const (
	FailureReasonNone              FailureReason = ""
	FailureReasonWorkspace         FailureReason = "workspace_error"
	FailureReasonWorkspaceLayout   FailureReason = "workspace_layout_error"
	FailureReasonCredentialMissing FailureReason = "credential_missing"
	FailureReasonPublish           FailureReason = "publish_error"
	FailureReasonDispatch          FailureReason = "dispatch_error"
	FailureReasonRunNotFound       FailureReason = "run_not_found"
	FailureReasonPollTimeout       FailureReason = "poll_timeout"
	FailureReasonRunFailed         FailureReason = "run_failed"
	FailureReasonInterrupted       FailureReason = "interrupted"
	FailureReasonInternal          FailureReason = "internal_error"
)

// Build is one attempt to produce an installable artifact for a company.
type Build struct {
	ID            string        `json:"id"`
	CompanyID     string        `json:"company_id"`
	AppID         string        `json:"app_id"`
	Status        BuildStatus   `json:"status"`
	WorkflowRunID *int64        `json:"workflow_run_id"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	HeartbeatAt   *time.Time    `json:"heartbeat_at,omitempty"`
}

// StatusChange describes one state-machine transition of a build.
type StatusChange struct {
	From   BuildStatus
	To     BuildStatus
	Reason FailureReason
	Detail string
}

// BuildJob is the queue payload that schedules a build pipeline.
type BuildJob struct {
	ID        string `json:"id"`
	BuildID   string `json:"build_id"`
	CompanyID string `json:"company_id"`
	AppID     string `json:"app_id"`
	// Resume marks a job re-queued by recovery for a build whose run is known.
	// The pipeline picks its path from the stored build; the flag is logged.
	Resume    bool      `json:"resume,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBuildJob returns the job that runs the pipeline for build.
func NewBuildJob(build *Build) *BuildJob {
	return &BuildJob{
		ID:        build.ID,
		BuildID:   build.ID,
		CompanyID: build.CompanyID,
		AppID:     build.AppID,
		CreatedAt: time.Now().UTC(),
	}
}
