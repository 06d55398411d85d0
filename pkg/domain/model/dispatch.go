package model

// DispatchEventType is the repository_dispatch event type identifying a
// finished remote job
const DispatchEventType = "gitlab-job-finished"

// DispatchPayload is the client_payload of the repository_dispatch event
// sent back to the source host when a remote job finishes. The target ref is
// always the repository's main branch regardless of the originating ref.
type DispatchPayload struct {
	JobStatus       string `json:"job_status"`
	JobName         string `json:"job_name"`
	JobID           int64  `json:"job_id"`
	JobURL          string `json:"job_url"`
	ProjectName     string `json:"project_name"`
	ProjectPath     string `json:"project_path"`
	Ref             string `json:"ref"`
	CommitSHA       string `json:"commit_sha"`
	PipelineID      int64  `json:"pipeline_id"`
	PipelineURL     string `json:"pipeline_url"`
	CreatedAt       string `json:"created_at"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at"`
	AllowFailure    bool   `json:"allow_failure"`
	GitLabProjectID int64  `json:"gitlab_project_id"`
}

// BridgePayload is the signed metadata stored in the triggered pipeline's
// variables. It lets the reverse path recover the originating repository and
// installation without server-side persistence, and carries the check-run ID
// as the correlation token.
type BridgePayload struct {
	InstallationID int64  `json:"installation_id"`
	RepoName       string `json:"repo_name"`
	RepoSlug       string `json:"repo_slug"`
	HeadSHA        string `json:"head_sha"`
	HeadRef        string `json:"head_ref"`
	CloneURL       string `json:"clone_url"`
	ConfigURL      string `json:"config_url"`
	JobName        string `json:"job_name"`
	CheckRunID     int64  `json:"check_run_id"`
}
