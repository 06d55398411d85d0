package usecase_test

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/m-mizutani/cibridge/pkg/domain/interfaces"
	"github.com/m-mizutani/cibridge/pkg/domain/model"
)

var errRefused = goerr.New("pipeline was not created: invalid CI configuration")

type dispatchCall struct {
	repo      model.RepoRef
	eventType string
	payload   any
}

// fakeGitHub is a scripted source host client
type fakeGitHub struct {
	mu sync.Mutex

	checkRuns   []model.CheckRunParams
	nextCheckID int64

	dispatches []dispatchCall

	workflows     map[string]string // path -> content
	workflowLists int

	downloadURL string
	downloadErr error

	teamMembers map[string]bool // "org/team/user" -> member

	suiteJobURLs []string // external IDs returned for any suite
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		nextCheckID: 1000,
		downloadURL: "https://raw.github.test/acme/widgets/abc123/.gitlab-ci.yml",
		workflows:   map[string]string{},
		teamMembers: map[string]bool{},
	}
}

func (f *fakeGitHub) CreateCheckRun(ctx context.Context, repo model.RepoRef, params *model.CheckRunParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkRuns = append(f.checkRuns, *params)
	f.nextCheckID++
	return f.nextCheckID, nil
}

func (f *fakeGitHub) Dispatch(ctx context.Context, repo model.RepoRef, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatches = append(f.dispatches, dispatchCall{repo: repo, eventType: eventType, payload: payload})
	return nil
}

func (f *fakeGitHub) ListWorkflowPaths(ctx context.Context, repo model.RepoRef) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflowLists++
	var paths []string
	for p := range f.workflows {
		paths = append(paths, p)
	}
	return paths, nil
}

func (f *fakeGitHub) GetFileContent(ctx context.Context, repo model.RepoRef, path, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.workflows[path]
	if !ok {
		return "", goerr.New("not found")
	}
	return content, nil
}

func (f *fakeGitHub) GetFileDownloadURL(ctx context.Context, repo model.RepoRef, path, ref string) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	return f.downloadURL, nil
}

func (f *fakeGitHub) IsTeamMember(ctx context.Context, org, team, user string) (bool, error) {
	return f.teamMembers[org+"/"+team+"/"+user], nil
}

func (f *fakeGitHub) ListSuiteJobURLs(ctx context.Context, repo model.RepoRef, suiteID int64) ([]string, error) {
	return f.suiteJobURLs, nil
}

func (f *fakeGitHub) lastCheckRun() model.CheckRunParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkRuns[len(f.checkRuns)-1]
}

// fakeClients hands the same fake to every installation
type fakeClients struct {
	client *fakeGitHub
}

func (f *fakeClients) ForInstallation(installationID int64) (interfaces.GitHubClient, error) {
	return f.client, nil
}

type triggerCall struct {
	projectID int64
	ref       string
	variables map[string]string
}

// fakeGitLab is a scripted execution host client
type fakeGitLab struct {
	mu sync.Mutex

	triggerErr error
	triggered  []triggerCall
	nextPipeID int64

	jobs      []model.Job
	pipelines []model.Pipeline
	variables map[string]string
	job       *model.Job
	pipeline  *model.Pipeline
	project   *model.Project
	jobLog    string

	canceled []int64
	retried  []string
}

func newFakeGitLab() *fakeGitLab {
	return &fakeGitLab{
		nextPipeID: 1234,
		jobs: []model.Job{
			{ID: 99, Name: "unit-tests", Status: "created"},
		},
		job: &model.Job{
			ID: 99, Name: "unit-tests", Status: "success",
			WebURL:    "https://gitlab.test/acme/ci/-/jobs/99",
			CreatedAt: "2026-08-01T09:50:00Z",
			StartedAt: "2026-08-01T09:51:00Z",
		},
		pipeline: &model.Pipeline{
			ID: 1234, ProjectID: 7, Ref: "main", SHA: "abc123", Status: "success",
			WebURL: "https://gitlab.test/acme/ci/-/pipelines/1234",
		},
		project: &model.Project{
			ID: 7, Name: "ci", PathWithNamespace: "acme/ci",
			WebURL: "https://gitlab.test/acme/ci",
		},
		jobLog: "line one\nline two\n",
	}
}

func (f *fakeGitLab) TriggerPipeline(ctx context.Context, projectID int64, ref string, variables map[string]string) (*model.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	f.triggered = append(f.triggered, triggerCall{projectID: projectID, ref: ref, variables: variables})
	return &model.Pipeline{ID: f.nextPipeID, ProjectID: projectID, Ref: ref}, nil
}

func (f *fakeGitLab) GetPipeline(ctx context.Context, projectID, pipelineID int64) (*model.Pipeline, error) {
	return f.pipeline, nil
}

func (f *fakeGitLab) GetProject(ctx context.Context, projectID int64) (*model.Project, error) {
	return f.project, nil
}

func (f *fakeGitLab) GetJob(ctx context.Context, projectID, jobID int64) (*model.Job, error) {
	return f.job, nil
}

func (f *fakeGitLab) GetJobByURL(ctx context.Context, jobURL string) (*model.Job, error) {
	return f.job, nil
}

func (f *fakeGitLab) GetJobLog(ctx context.Context, projectID, jobID int64) (string, error) {
	return f.jobLog, nil
}

func (f *fakeGitLab) GetPipelineVariables(ctx context.Context, projectID, pipelineID int64) (map[string]string, error) {
	if f.variables == nil {
		return map[string]string{}, nil
	}
	return f.variables, nil
}

func (f *fakeGitLab) ListPipelineJobs(ctx context.Context, projectID, pipelineID int64) ([]model.Job, error) {
	return f.jobs, nil
}

func (f *fakeGitLab) ListPipelines(ctx context.Context, projectID int64, scope string) ([]model.Pipeline, error) {
	return f.pipelines, nil
}

func (f *fakeGitLab) CancelPipeline(ctx context.Context, projectID, pipelineID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, pipelineID)
	return nil
}

func (f *fakeGitLab) RetryJobByURL(ctx context.Context, jobURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, jobURL)
	return nil
}

func (f *fakeGitLab) JobURL(projectID, jobID int64) string {
	return "https://gitlab.test/api/v4/projects/7/jobs/99"
}
