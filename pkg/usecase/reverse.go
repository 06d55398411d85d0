package usecase

import (
	"context"
	"encoding/json"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"github.com/m-mizutani/cibridge/pkg/correlation"
	"github.com/m-mizutani/cibridge/pkg/domain/interfaces"
	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/webhook"
)

type reverseDispatchUseCase struct {
	store  *correlation.Store
	github interfaces.GitHubClients
	gitlab interfaces.GitLabClient
	signer *webhook.PayloadSigner
	cfg    Config

	// detection caches whether a repository has a workflow listening for
	// the dispatch event; keyed by full repository name
	detection *gocache.Cache
	group     singleflight.Group
}

// NewReverseDispatch creates the usecase that turns finished execution host
// jobs into repository_dispatch events on the source host
func NewReverseDispatch(store *correlation.Store, github interfaces.GitHubClients, gitlab interfaces.GitLabClient, signer *webhook.PayloadSigner, cfg Config) interfaces.ReverseDispatchUseCase {
	ttl := cfg.detectionTTL()
	return &reverseDispatchUseCase{
		store:     store,
		github:    github,
		gitlab:    gitlab,
		signer:    signer,
		cfg:       cfg,
		detection: gocache.New(ttl, ttl),
	}
}

// OnExecutionFinished sends a repository_dispatch event for a finished job
// whose status is in the configured trigger set, if the target repository has
// a workflow listening for it
func (uc *reverseDispatchUseCase) OnExecutionFinished(ctx context.Context, ev *model.Event) error {
	logger := ctxlog.From(ctx)

	if !uc.cfg.ReverseDispatch {
		return nil
	}
	ex := ev.Execution
	if ex == nil || !uc.cfg.triggerStatuses()[ex.Status] {
		return nil
	}

	repo, installationID, ok := uc.resolveOrigin(ctx, ev)
	if !ok {
		return nil
	}

	gh, err := uc.github.ForInstallation(installationID)
	if err != nil {
		return goerr.Wrap(err, "failed to get installation client")
	}

	listening, err := uc.hasDispatchWorkflow(ctx, gh, repo)
	if err != nil {
		return goerr.Wrap(err, "workflow detection failed",
			goerr.V("repo", repo.FullName()),
		)
	}
	if !listening {
		logger.Debug("repository has no dispatch workflow, skipping",
			"repo", repo.FullName(),
		)
		return nil
	}

	payload, err := uc.buildPayload(ctx, ex)
	if err != nil {
		return err
	}

	if uc.cfg.Sterile {
		logger.Info("sterile mode: would send repository dispatch",
			"repo", repo.FullName(),
			"job", ex.JobName,
			"status", ex.Status,
		)
		return nil
	}

	if err := gh.Dispatch(ctx, repo, model.DispatchEventType, payload); err != nil {
		return goerr.Wrap(err, "failed to send repository dispatch",
			goerr.V("repo", repo.FullName()),
		)
	}

	uc.cfg.metrics().DispatchSent(ex.Status)
	logger.Info("sent repository dispatch",
		"repo", repo.FullName(),
		"job", ex.JobName,
		"status", ex.Status,
	)
	return nil
}

// resolveOrigin finds the source repository and installation of a job. The
// correlation store answers for jobs this process triggered; otherwise the
// signed bridge payload in the pipeline variables is the fallback, covering
// restarts. Unverifiable origins are dropped, not errors.
func (uc *reverseDispatchUseCase) resolveOrigin(ctx context.Context, ev *model.Event) (model.RepoRef, int64, bool) {
	logger := ctxlog.From(ctx)
	ex := ev.Execution

	key := model.ExecutionKey{
		ProjectID:  ex.ProjectID,
		PipelineID: ex.PipelineID,
		JobName:    ex.JobName,
	}
	if rec, ok := uc.store.GetByExecution(key); ok {
		if repo, err := splitRepo(rec.Source.Repo); err == nil {
			return repo, rec.InstallationID, true
		}
	}

	variables, err := uc.gitlab.GetPipelineVariables(ctx, ex.ProjectID, ex.PipelineID)
	if err != nil {
		logger.Warn("failed to fetch pipeline variables for origin",
			"error", err,
			"pipeline_id", ex.PipelineID,
		)
		return model.RepoRef{}, 0, false
	}

	raw, signature := variables[varBridgePayload], variables[varTriggerSignature]
	if raw == "" || signature == "" {
		logger.Debug("pipeline carries no bridge payload, skipping",
			"pipeline_id", ex.PipelineID,
		)
		return model.RepoRef{}, 0, false
	}
	if !uc.signer.Verify([]byte(raw), signature) {
		logger.Warn("bridge payload signature mismatch, dropping",
			"pipeline_id", ex.PipelineID,
		)
		return model.RepoRef{}, 0, false
	}

	var bridge model.BridgePayload
	if err := json.Unmarshal([]byte(raw), &bridge); err != nil {
		logger.Warn("failed to parse bridge payload", "error", err)
		return model.RepoRef{}, 0, false
	}
	repo, err := splitRepo(bridge.RepoSlug)
	if err != nil {
		logger.Warn("bridge payload has invalid repository", "error", err)
		return model.RepoRef{}, 0, false
	}
	return repo, bridge.InstallationID, true
}

// hasDispatchWorkflow checks whether any workflow in the repository listens
// for the dispatch event type. The answer is cached and concurrent checks
// for the same repository share one lookup.
func (uc *reverseDispatchUseCase) hasDispatchWorkflow(ctx context.Context, gh interfaces.GitHubClient, repo model.RepoRef) (bool, error) {
	cacheKey := repo.FullName()
	if v, ok := uc.detection.Get(cacheKey); ok {
		return v.(bool), nil
	}

	v, err, _ := uc.group.Do(cacheKey, func() (any, error) {
		if v, ok := uc.detection.Get(cacheKey); ok {
			return v, nil
		}
		listening, err := uc.detectWorkflow(ctx, gh, repo)
		if err != nil {
			return false, err
		}
		uc.detection.SetDefault(cacheKey, listening)
		return listening, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (uc *reverseDispatchUseCase) detectWorkflow(ctx context.Context, gh interfaces.GitHubClient, repo model.RepoRef) (bool, error) {
	paths, err := gh.ListWorkflowPaths(ctx, repo)
	if err != nil {
		return false, goerr.Wrap(err, "failed to list workflows")
	}

	for _, path := range paths {
		content, err := gh.GetFileContent(ctx, repo, path, "")
		if err != nil {
			ctxlog.From(ctx).Debug("failed to read workflow file",
				"error", err,
				"path", path,
			)
			continue
		}
		if strings.Contains(content, "repository_dispatch") &&
			strings.Contains(content, model.DispatchEventType) {
			return true, nil
		}
	}
	return false, nil
}

// buildPayload assembles the dispatch client payload from the execution
// host's view of the job so the consuming workflow gets canonical URLs and
// timestamps
func (uc *reverseDispatchUseCase) buildPayload(ctx context.Context, ex *model.ExecutionStatus) (*model.DispatchPayload, error) {
	job, err := uc.gitlab.GetJob(ctx, ex.ProjectID, ex.JobID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch finished job")
	}
	pipeline, err := uc.gitlab.GetPipeline(ctx, ex.ProjectID, ex.PipelineID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch pipeline")
	}
	project, err := uc.gitlab.GetProject(ctx, ex.ProjectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch project")
	}

	return &model.DispatchPayload{
		JobStatus:       job.Status,
		JobName:         job.Name,
		JobID:           job.ID,
		JobURL:          job.WebURL,
		ProjectName:     project.Name,
		ProjectPath:     project.PathWithNamespace,
		Ref:             pipeline.Ref,
		CommitSHA:       pipeline.SHA,
		PipelineID:      pipeline.ID,
		PipelineURL:     pipeline.WebURL,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
		AllowFailure:    job.AllowFailure,
		GitLabProjectID: ex.ProjectID,
	}, nil
}
