package model

import "time"

// EventKind discriminates the normalized webhook event union
type EventKind string

const (
	EventSourcePush            EventKind = "source_push"
	EventSourcePullRequest     EventKind = "source_pull_request"
	EventSourceCheckRerequest  EventKind = "source_check_rerequest"
	EventSourceSuiteRerequest  EventKind = "source_suite_rerequest"
	EventExecutionJobStatus    EventKind = "execution_job_status"
	EventExecutionPipelineDone EventKind = "execution_pipeline_finished"
)

// RepoRef identifies a repository on the source host
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// Event is the normalized form of an inbound webhook. Immutable once
// constructed; owned solely by the handler processing it.
type Event struct {
	Kind       EventKind
	DeliveryID string // delivery identifier from the sender, for deduplication
	ReceivedAt time.Time

	// Source host fields (GitHub)
	Repo           RepoRef
	Org            string
	Sender         string
	Pusher         string
	HeadSHA        string
	HeadRef        string // branch name, tag refs stripped of refs/ prefix
	CloneURL       string
	InstallationID int64
	PRDraft        bool
	CheckRunJobURL string // external_id of the re-requested check run
	CheckSuiteID   int64  // suite whose check runs are being re-run
	SuiteAppID     int64  // app that created the re-requested suite

	// Execution host fields (GitLab)
	Execution *ExecutionStatus
}

// ExecutionStatus carries the raw job fields of a GitLab job hook
type ExecutionStatus struct {
	ProjectID     int64
	PipelineID    int64
	JobID         int64
	JobName       string
	Status        string // raw GitLab status vocabulary
	AllowFailure  bool
	FailureReason string
	Ref           string
	SHA           string
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Sequence derives the monotonic ordinal used by the correlation store's
// advance gate. GitLab emits no per-job status counter, so the job's own
// lifecycle timestamps stand in: finished > started > created, with the
// receipt time as last resort for payloads carrying none.
func (e *Event) Sequence() int64 {
	if e.Execution == nil {
		return e.ReceivedAt.UnixNano()
	}
	for _, ts := range []time.Time{
		e.Execution.FinishedAt,
		e.Execution.StartedAt,
		e.Execution.CreatedAt,
	} {
		if !ts.IsZero() {
			return ts.UnixNano()
		}
	}
	return e.ReceivedAt.UnixNano()
}

// IsTerminalStatus reports whether the raw execution status ends a job
func (s *ExecutionStatus) IsTerminalStatus() bool {
	switch s.Status {
	case "success", "failed", "canceled", "skipped":
		return true
	}
	return false
}
