package model

import (
	"github.com/m-mizutani/goerr/v2"

	"github.com/m-mizutani/cibridge/pkg/domain/types"
)

// CheckStatus is the GitHub check-run status vocabulary
type CheckStatus string

const (
	CheckQueued     CheckStatus = "queued"
	CheckInProgress CheckStatus = "in_progress"
	CheckCompleted  CheckStatus = "completed"
)

// CheckConclusion is the GitHub check-run conclusion vocabulary
type CheckConclusion string

const (
	ConclusionSuccess   CheckConclusion = "success"
	ConclusionFailure   CheckConclusion = "failure"
	ConclusionNeutral   CheckConclusion = "neutral"
	ConclusionCancelled CheckConclusion = "cancelled"
)

// CheckState is the mapped source-host representation of an execution-host
// job status
type CheckState struct {
	Status CheckStatus
	// Conclusion is only meaningful when Status is CheckCompleted
	Conclusion CheckConclusion
	// JobState is the correlation state machine target of this status
	JobState JobState
}

// MapExecutionStatus maps GitLab's job status vocabulary onto GitHub's
// check-run vocabulary and the correlation state machine. The table is
// closed: any status outside it is a malformed payload, never silently
// ignored.
func MapExecutionStatus(status string, allowFailure bool) (CheckState, error) {
	switch status {
	case "created", "waiting_for_resource", "preparing", "pending", "manual", "scheduled":
		return CheckState{Status: CheckQueued, JobState: StateTriggered}, nil
	case "running":
		return CheckState{Status: CheckInProgress, JobState: StateRunning}, nil
	case "success":
		return CheckState{Status: CheckCompleted, Conclusion: ConclusionSuccess, JobState: StateSucceeded}, nil
	case "failed":
		if allowFailure {
			return CheckState{Status: CheckCompleted, Conclusion: ConclusionNeutral, JobState: StateFailed}, nil
		}
		return CheckState{Status: CheckCompleted, Conclusion: ConclusionFailure, JobState: StateFailed}, nil
	case "canceled":
		return CheckState{Status: CheckCompleted, Conclusion: ConclusionCancelled, JobState: StateCanceled}, nil
	case "skipped":
		return CheckState{Status: CheckCompleted, Conclusion: ConclusionNeutral, JobState: StateCanceled}, nil
	}
	return CheckState{}, goerr.New("unknown execution status",
		goerr.V("status", status),
		goerr.T(types.ErrTagPayloadMalformed),
	)
}
