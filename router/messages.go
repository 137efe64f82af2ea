package router

import (
	"strings"
	"time"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/workflow"
)

// Event kinds produced by Classify.
const (
	KindCopyRequest       = "copy.request"
	KindCopyLegacy        = "copy.legacy"
	KindRenameRequest     = "rename.request"
	KindProviderJobEvent  = "provider.job_event"
	KindTokenRegistration = "task_token.registration"
	KindJobCompletion     = "job.completion"
	KindHeartbeat         = "heartbeat.tick"
)

// CopyRequested asks for a copy-job execution. Legacy marks requests that
// arrived with the fields at the top level of the detail.
type CopyRequested struct {
	Request workflow.CopyRequest
	Legacy  bool
}

func (m CopyRequested) Type() string {
	if m.Legacy {
		return KindCopyLegacy
	}
	return KindCopyRequest
}

// Validate accepts any copy request; malformed ones fail inside the workflow
// so the failure reaches the requester as an execution outcome.
func (CopyRequested) Validate() error { return nil }

// RenameRequested asks for a copied file to be given a new name.
type RenameRequested struct {
	Request workflow.RenameRequest
}

func (RenameRequested) Type() string { return KindRenameRequest }

// Validate accepts any rename request for the same reason as CopyRequested.
func (RenameRequested) Validate() error { return nil }

// ProviderJobEvent is a job state change reported by the storage provider.
type ProviderJobEvent struct {
	JobID     string
	RawStatus string
}

func (ProviderJobEvent) Type() string { return KindProviderJobEvent }

func (m ProviderJobEvent) Validate() error {
	if strings.TrimSpace(m.JobID) == "" || strings.TrimSpace(m.RawStatus) == "" {
		return datacopy.NewError(datacopy.ErrValidation, "provider event needs job id and status", nil, map[string]any{
			"job_id": m.JobID,
		})
	}
	return nil
}

// TokenRegistration binds a launched provider job to its task token.
type TokenRegistration struct {
	workflow.Registration
}

func (TokenRegistration) Type() string { return KindTokenRegistration }

func (m TokenRegistration) Validate() error {
	if strings.TrimSpace(m.JobID) == "" || strings.TrimSpace(m.TaskToken) == "" {
		return datacopy.NewError(datacopy.ErrValidation, "registration needs job id and task token", nil, map[string]any{
			"job_id": m.JobID,
		})
	}
	return nil
}

// JobCompletion reports the final outcome of a job directly, bypassing the
// provider status vocabulary.
type JobCompletion struct {
	JobID   string `json:"jobId"`
	Outcome string `json:"outcome"`
	Cause   string `json:"cause,omitempty"`
}

func (JobCompletion) Type() string { return KindJobCompletion }

func (m JobCompletion) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return datacopy.NewError(datacopy.ErrValidation, "completion needs a job id", nil, nil)
	}
	if _, err := m.Status(); err != nil {
		return err
	}
	return nil
}

// Status parses Outcome into a terminal job status.
func (m JobCompletion) Status() (jobstore.Status, error) {
	status, ok := jobstore.ParseStatus(m.Outcome)
	if !ok || !status.Terminal() {
		return "", datacopy.NewError(datacopy.ErrValidation, "completion outcome must be SUCCEEDED or FAILED", nil, map[string]any{
			"job_id":  m.JobID,
			"outcome": m.Outcome,
		})
	}
	return status, nil
}

// HeartbeatTick is a scheduled wake-up for the status poller.
type HeartbeatTick struct {
	At time.Time
}

func (HeartbeatTick) Type() string    { return KindHeartbeat }
func (HeartbeatTick) Validate() error { return nil }
