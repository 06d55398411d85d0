package model

import "time"

// JobState is the lifecycle state of a correlation record
type JobState string

const (
	StateCreated       JobState = "created"
	StateTriggered     JobState = "triggered"
	StateRunning       JobState = "running"
	StateSucceeded     JobState = "succeeded"
	StateFailed        JobState = "failed"
	StateCanceled      JobState = "canceled"
	StateTriggerFailed JobState = "trigger_failed"
	StateTimedOut      JobState = "timed_out"
)

// IsTerminal reports whether no further transition is accepted from s
func (s JobState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled, StateTriggerFailed, StateTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is a legal state machine edge.
// Triggered and Running self-loop so that repeated intermediate status
// events with increasing sequence numbers are accepted.
func (s JobState) CanTransition(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StateCreated:
		return next == StateTriggered || next == StateTriggerFailed || next == StateTimedOut
	case StateTriggered:
		return next != StateCreated
	case StateRunning:
		return next != StateCreated && next != StateTriggered
	}
	return false
}

// SourceKey identifies a record from the source host side. At most one live
// record exists per key.
type SourceKey struct {
	Repo    string // owner/name
	HeadSHA string
	JobName string
}

// ExecutionKey identifies a record from the execution host side. The job
// name is part of the key because GitLab's trigger API does not return
// per-job IDs; the numeric job ID is bound to the record separately.
type ExecutionKey struct {
	ProjectID  int64
	PipelineID int64
	JobName    string
}

// CorrelationRecord links one source-host check run to one execution-host
// job. Created by the trigger dispatcher; after creation only the store's
// Advance mutates state, timestamps and sequence.
type CorrelationRecord struct {
	Source         SourceKey
	InstallationID int64
	CheckRunID     int64
	CloneURL       string
	HeadRef        string

	ProjectID  int64
	PipelineID int64
	JobID      int64 // 0 until bound; bound exactly once

	State     JobState
	CreatedAt time.Time
	UpdatedAt time.Time
	Sequence  int64
}

// ExecutionKey returns the execution-side index key of the record
func (r *CorrelationRecord) ExecutionKey() ExecutionKey {
	return ExecutionKey{
		ProjectID:  r.ProjectID,
		PipelineID: r.PipelineID,
		JobName:    r.Source.JobName,
	}
}

// TriggerOutcome summarizes what one source event caused
type TriggerOutcome struct {
	Triggered []string // job names started on the execution host
	Skipped   []string // job names already triggered (duplicate delivery)
	Failed    []string // job names whose trigger failed terminally
	Rejected  bool     // author/team gate refused the event
}
