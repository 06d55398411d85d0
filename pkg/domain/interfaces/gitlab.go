package interfaces

import (
	"context"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
)

// GitLabClient defines the execution host operations the relay performs
type GitLabClient interface {
	// TriggerPipeline starts a pipeline on the project via its trigger
	// token, passing the given variables. A refused trigger (e.g. invalid
	// CI configuration) is a permanent error.
	TriggerPipeline(ctx context.Context, projectID int64, ref string, variables map[string]string) (*model.Pipeline, error)

	GetPipeline(ctx context.Context, projectID, pipelineID int64) (*model.Pipeline, error)
	GetProject(ctx context.Context, projectID int64) (*model.Project, error)
	GetJob(ctx context.Context, projectID, jobID int64) (*model.Job, error)

	// GetJobByURL fetches a job from its full API URL after validating the
	// URL against the configured API base
	GetJobByURL(ctx context.Context, jobURL string) (*model.Job, error)

	// GetJobLog returns the job trace with ANSI escapes stripped
	GetJobLog(ctx context.Context, projectID, jobID int64) (string, error)

	// GetPipelineVariables returns the pipeline's variables as a map
	GetPipelineVariables(ctx context.Context, projectID, pipelineID int64) (map[string]string, error)

	// ListPipelineJobs lists the jobs of a pipeline
	ListPipelineJobs(ctx context.Context, projectID, pipelineID int64) ([]model.Job, error)

	// ListPipelines lists project pipelines in the given scope
	// (e.g. "running", "pending")
	ListPipelines(ctx context.Context, projectID int64, scope string) ([]model.Pipeline, error)

	CancelPipeline(ctx context.Context, projectID, pipelineID int64) error

	// RetryJobByURL retries a job from its full API URL
	RetryJobByURL(ctx context.Context, jobURL string) error

	// JobURL builds the API URL of a job, stored as check-run external ID
	JobURL(projectID, jobID int64) string
}
