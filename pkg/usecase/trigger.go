package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"github.com/m-mizutani/cibridge/pkg/correlation"
	"github.com/m-mizutani/cibridge/pkg/domain/interfaces"
	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/domain/types"
	"github.com/m-mizutani/cibridge/pkg/webhook"
)

// Pipeline variables set on every triggered pipeline. BRIDGE_PAYLOAD carries
// the signed origin metadata the reverse path relies on; the plain variables
// are for consumption by the CI jobs themselves.
const (
	varBridgePayload    = "BRIDGE_PAYLOAD"
	varTriggerSignature = "TRIGGER_SIGNATURE"
	varConfigURL        = "CONFIG_URL"
	varCloneURL         = "CLONE_URL"
	varRepoSlug         = "REPO_SLUG"
	varRepoName         = "REPO_NAME"
	varHeadSHA          = "HEAD_SHA"
	varHeadRef          = "HEAD_REF"
	varJobName          = "JOB_NAME"
	varCheckRunID       = "CHECK_RUN_ID"
)

// ciConfigPath is the pipeline definition the triggered project includes
// from the source repository
const ciConfigPath = ".gitlab-ci.yml"

type triggerUseCase struct {
	store  *correlation.Store
	github interfaces.GitHubClients
	gitlab interfaces.GitLabClient
	spec   *model.JobSpecification
	signer *webhook.PayloadSigner
	cfg    Config
}

// NewTrigger creates the trigger dispatcher that turns source host events
// into execution host pipelines
func NewTrigger(store *correlation.Store, github interfaces.GitHubClients, gitlab interfaces.GitLabClient, spec *model.JobSpecification, signer *webhook.PayloadSigner, cfg Config) interfaces.TriggerUseCase {
	return &triggerUseCase{
		store:  store,
		github: github,
		gitlab: gitlab,
		spec:   spec,
		signer: signer,
		cfg:    cfg,
	}
}

// OnSourceEvent runs the trigger pipeline for push and pull request events,
// and the job retry path for check re-requests. One source event may start
// several jobs; failures are isolated per job and reported in the outcome.
func (uc *triggerUseCase) OnSourceEvent(ctx context.Context, ev *model.Event) (*model.TriggerOutcome, error) {
	logger := ctxlog.From(ctx)

	gh, err := uc.github.ForInstallation(ev.InstallationID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get installation client",
			goerr.V("installation_id", ev.InstallationID),
		)
	}

	switch ev.Kind {
	case model.EventSourceCheckRerequest:
		return uc.retryJob(ctx, gh, ev)
	case model.EventSourceSuiteRerequest:
		return uc.retrySuite(ctx, gh, ev)
	}

	jobs := uc.spec.Select(ev)
	if len(jobs) == 0 {
		logger.Debug("no job matches event",
			"repo", ev.Repo.FullName(),
			"kind", ev.Kind,
			"ref", ev.HeadRef,
		)
		return &model.TriggerOutcome{}, nil
	}

	allowed, err := uc.cfg.authorAllowed(ctx, gh, ev)
	if err != nil {
		return nil, goerr.Wrap(err, "team membership check failed")
	}
	if !allowed {
		uc.refuseJobs(ctx, gh, ev, jobs)
		return &model.TriggerOutcome{Rejected: true}, nil
	}

	outcome := &model.TriggerOutcome{}
	for _, job := range jobs {
		switch uc.triggerJob(ctx, gh, ev, job) {
		case triggered:
			outcome.Triggered = append(outcome.Triggered, job.Name)
		case skipped:
			outcome.Skipped = append(outcome.Skipped, job.Name)
		case failed:
			outcome.Failed = append(outcome.Failed, job.Name)
		}
	}

	logger.Info("processed source event",
		"repo", ev.Repo.FullName(),
		"sha", ev.HeadSHA,
		"triggered", outcome.Triggered,
		"skipped", outcome.Skipped,
		"failed", outcome.Failed,
	)
	return outcome, nil
}

type triggerResult int

const (
	triggered triggerResult = iota
	skipped
	failed
)

func (uc *triggerUseCase) triggerJob(ctx context.Context, gh interfaces.GitHubClient, ev *model.Event, job model.JobSpec) triggerResult {
	logger := ctxlog.From(ctx)
	key := model.SourceKey{
		Repo:    ev.Repo.FullName(),
		HeadSHA: ev.HeadSHA,
		JobName: job.Name,
	}

	// registering before any outbound call makes redelivered webhooks cheap
	// no-ops
	err := uc.store.Put(&model.CorrelationRecord{
		Source:         key,
		InstallationID: ev.InstallationID,
		CloneURL:       ev.CloneURL,
		HeadRef:        ev.HeadRef,
	})
	if err != nil {
		if errors.Is(err, types.ErrDuplicateKey) {
			logger.Info("job already triggered for commit, skipping",
				"repo", key.Repo,
				"sha", key.HeadSHA,
				"job", key.JobName,
			)
			return skipped
		}
		logger.Error("failed to register correlation record", "error", err)
		return failed
	}

	if uc.cfg.Sterile {
		logger.Info("sterile mode: would trigger pipeline",
			"repo", key.Repo,
			"sha", key.HeadSHA,
			"job", job.Name,
			"project_id", job.ProjectID,
		)
		if _, err := uc.store.Advance(key, model.StateTriggered, ev.Sequence()); err != nil {
			logger.Warn("failed to advance record", "error", err)
		}
		return triggered
	}

	checkRunID, err := gh.CreateCheckRun(ctx, ev.Repo, &model.CheckRunParams{
		Name:    checkName(job.Name),
		HeadSHA: ev.HeadSHA,
		Status:  model.CheckQueued,
		Title:   "Pipeline queued",
		Summary: "Waiting for the remote pipeline to start.",
	})
	if err != nil {
		// the trigger still proceeds; the first status relay re-posts the
		// check run by name and head SHA
		logger.Warn("failed to create queued check run", "error", err)
	} else {
		uc.store.BindCheckRun(key, checkRunID)
	}

	configURL, err := gh.GetFileDownloadURL(ctx, ev.Repo, ciConfigPath, ev.HeadSHA)
	if err != nil {
		uc.failTrigger(ctx, gh, ev, key, goerr.Wrap(err, "failed to resolve CI configuration",
			goerr.V("path", ciConfigPath),
		))
		return failed
	}

	uc.cancelRedundant(ctx, job.ProjectID, ev)

	variables, err := uc.pipelineVariables(ev, job, configURL, checkRunID)
	if err != nil {
		uc.failTrigger(ctx, gh, ev, key, err)
		return failed
	}

	targetRef := job.TargetRef
	if targetRef == "" {
		targetRef = "main"
	}
	pipeline, err := uc.gitlab.TriggerPipeline(ctx, job.ProjectID, targetRef, variables)
	if err != nil {
		uc.failTrigger(ctx, gh, ev, key, err)
		return failed
	}

	if err := uc.store.BindExecution(key, job.ProjectID, pipeline.ID, 0); err != nil {
		logger.Error("failed to bind execution ids",
			"error", err,
			"pipeline_id", pipeline.ID,
		)
		return failed
	}
	uc.bindJobID(ctx, key, job)
	if _, err := uc.store.Advance(key, model.StateTriggered, ev.Sequence()); err != nil {
		logger.Warn("failed to advance record", "error", err)
	}

	uc.cfg.metrics().JobTriggered(key.Repo)
	logger.Info("triggered pipeline",
		"repo", key.Repo,
		"sha", key.HeadSHA,
		"job", job.Name,
		"project_id", job.ProjectID,
		"pipeline_id", pipeline.ID,
		"pipeline_url", pipeline.WebURL,
	)
	return triggered
}

// pipelineVariables builds the trigger variable set, including the signed
// bridge payload that lets the reverse path recover the event's origin
func (uc *triggerUseCase) pipelineVariables(ev *model.Event, job model.JobSpec, configURL string, checkRunID int64) (map[string]string, error) {
	bridge := model.BridgePayload{
		InstallationID: ev.InstallationID,
		RepoName:       ev.Repo.Name,
		RepoSlug:       ev.Repo.FullName(),
		HeadSHA:        ev.HeadSHA,
		HeadRef:        ev.HeadRef,
		CloneURL:       ev.CloneURL,
		ConfigURL:      configURL,
		JobName:        job.Name,
		CheckRunID:     checkRunID,
	}
	raw, err := json.Marshal(bridge)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal bridge payload")
	}

	return map[string]string{
		varBridgePayload:    string(raw),
		varTriggerSignature: uc.signer.Sign(raw),
		varConfigURL:        configURL,
		varCloneURL:         ev.CloneURL,
		varRepoSlug:         ev.Repo.FullName(),
		varRepoName:         ev.Repo.Name,
		varHeadSHA:          ev.HeadSHA,
		varHeadRef:          ev.HeadRef,
		varJobName:          job.Name,
		varCheckRunID:       formatInt(checkRunID),
	}, nil
}

// cancelRedundant cancels running or pending pipelines started for older
// commits of the same branch. Best effort: a cancellation failure never
// blocks the new trigger.
func (uc *triggerUseCase) cancelRedundant(ctx context.Context, projectID int64, ev *model.Event) {
	logger := ctxlog.From(ctx)

	// a pipeline can flip scope between the two listings and show up in both
	seen := make(map[int64]bool)
	for _, scope := range []string{"running", "pending"} {
		pipelines, err := uc.gitlab.ListPipelines(ctx, projectID, scope)
		if err != nil {
			logger.Warn("failed to list pipelines for cancellation",
				"error", err,
				"scope", scope,
			)
			continue
		}
		for _, p := range pipelines {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			variables, err := uc.gitlab.GetPipelineVariables(ctx, projectID, p.ID)
			if err != nil {
				continue
			}
			if variables[varHeadRef] != ev.HeadRef || variables[varCloneURL] != ev.CloneURL {
				continue
			}
			if variables[varHeadSHA] == ev.HeadSHA {
				continue
			}
			if err := uc.gitlab.CancelPipeline(ctx, projectID, p.ID); err != nil {
				logger.Warn("failed to cancel redundant pipeline",
					"error", err,
					"pipeline_id", p.ID,
				)
				continue
			}
			logger.Info("canceled redundant pipeline",
				"pipeline_id", p.ID,
				"ref", ev.HeadRef,
				"superseded_sha", variables[varHeadSHA],
			)
		}
	}
}

// bindJobID resolves the numeric job ID from the freshly triggered pipeline.
// The trigger API returns no per-job IDs; missing the listing here is fine
// since the first status event binds it instead.
func (uc *triggerUseCase) bindJobID(ctx context.Context, key model.SourceKey, job model.JobSpec) {
	rec, ok := uc.store.GetBySource(key)
	if !ok || rec.PipelineID == 0 {
		return
	}
	jobs, err := uc.gitlab.ListPipelineJobs(ctx, job.ProjectID, rec.PipelineID)
	if err != nil {
		ctxlog.From(ctx).Debug("failed to list pipeline jobs", "error", err)
		return
	}
	for _, j := range jobs {
		if j.Name == job.Name {
			uc.store.BindJobID(key, j.ID)
			return
		}
	}
}

// failTrigger marks the record TriggerFailed and surfaces the reason on the
// check run
func (uc *triggerUseCase) failTrigger(ctx context.Context, gh interfaces.GitHubClient, ev *model.Event, key model.SourceKey, cause error) {
	logger := ctxlog.From(ctx)
	logger.Error("failed to trigger pipeline",
		"error", cause,
		"repo", key.Repo,
		"sha", key.HeadSHA,
		"job", key.JobName,
	)

	if _, err := uc.store.Advance(key, model.StateTriggerFailed, ev.Sequence()); err != nil {
		logger.Warn("failed to advance record", "error", err)
	}
	uc.cfg.metrics().TriggerFailed(key.Repo)

	now := nowUTC()
	_, err := gh.CreateCheckRun(ctx, ev.Repo, &model.CheckRunParams{
		Name:        checkName(key.JobName),
		HeadSHA:     key.HeadSHA,
		Status:      model.CheckCompleted,
		Conclusion:  model.ConclusionFailure,
		CompletedAt: &now,
		Title:       "Pipeline could not be created",
		Summary:     cause.Error(),
	})
	if err != nil {
		logger.Warn("failed to report trigger failure", "error", err)
	}
}

// refuseJobs posts a neutral check run per matched job when the author gate
// rejects the event
func (uc *triggerUseCase) refuseJobs(ctx context.Context, gh interfaces.GitHubClient, ev *model.Event, jobs []model.JobSpec) {
	logger := ctxlog.From(ctx)
	if uc.cfg.Sterile {
		logger.Info("sterile mode: would refuse jobs", "repo", ev.Repo.FullName())
		return
	}

	now := nowUTC()
	for _, job := range jobs {
		_, err := gh.CreateCheckRun(ctx, ev.Repo, &model.CheckRunParams{
			Name:        checkName(job.Name),
			HeadSHA:     ev.HeadSHA,
			Status:      model.CheckCompleted,
			Conclusion:  model.ConclusionNeutral,
			CompletedAt: &now,
			Title:       "Pipeline refused",
			Summary:     "User " + ev.Sender + " is not allowed to trigger CI jobs.",
		})
		if err != nil {
			logger.Warn("failed to post refusal check run",
				"error", err,
				"job", job.Name,
			)
		}
	}
}

// retryJob handles a check-run re-request by retrying the corresponding
// execution host job. The job is located through the check run's external ID,
// which the status relay sets to the job's API URL.
func (uc *triggerUseCase) retryJob(ctx context.Context, gh interfaces.GitHubClient, ev *model.Event) (*model.TriggerOutcome, error) {
	logger := ctxlog.From(ctx)

	if ev.CheckRunJobURL == "" {
		logger.Debug("re-requested check run has no job reference, ignoring")
		return &model.TriggerOutcome{}, nil
	}

	allowed, err := uc.cfg.authorAllowed(ctx, gh, ev)
	if err != nil {
		return nil, goerr.Wrap(err, "team membership check failed")
	}
	if !allowed {
		return &model.TriggerOutcome{Rejected: true}, nil
	}

	job, err := uc.gitlab.GetJobByURL(ctx, ev.CheckRunJobURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve re-requested job",
			goerr.V("job_url", ev.CheckRunJobURL),
		)
	}

	if uc.cfg.Sterile {
		logger.Info("sterile mode: would retry job",
			"job", job.Name,
			"job_url", ev.CheckRunJobURL,
		)
		return &model.TriggerOutcome{Triggered: []string{job.Name}}, nil
	}

	if err := uc.gitlab.RetryJobByURL(ctx, ev.CheckRunJobURL); err != nil {
		return nil, goerr.Wrap(err, "failed to retry job",
			goerr.V("job_url", ev.CheckRunJobURL),
		)
	}

	logger.Info("retried job on re-request",
		"repo", ev.Repo.FullName(),
		"job", job.Name,
	)
	uc.cfg.metrics().JobTriggered(ev.Repo.FullName())
	return &model.TriggerOutcome{Triggered: []string{job.Name}}, nil
}

// retrySuite handles a "re-run all checks" request by retrying every
// execution host job referenced by the suite's check runs. Suites created by
// other GitHub Apps are ignored.
func (uc *triggerUseCase) retrySuite(ctx context.Context, gh interfaces.GitHubClient, ev *model.Event) (*model.TriggerOutcome, error) {
	logger := ctxlog.From(ctx)

	if uc.cfg.AppID != 0 && ev.SuiteAppID != uc.cfg.AppID {
		logger.Debug("check suite belongs to another app, ignoring",
			"suite_app_id", ev.SuiteAppID,
		)
		return &model.TriggerOutcome{}, nil
	}

	allowed, err := uc.cfg.authorAllowed(ctx, gh, ev)
	if err != nil {
		return nil, goerr.Wrap(err, "team membership check failed")
	}
	if !allowed {
		return &model.TriggerOutcome{Rejected: true}, nil
	}

	jobURLs, err := gh.ListSuiteJobURLs(ctx, ev.Repo, ev.CheckSuiteID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list suite check runs",
			goerr.V("suite_id", ev.CheckSuiteID),
		)
	}

	outcome := &model.TriggerOutcome{}
	seen := make(map[string]bool, len(jobURLs))
	for _, jobURL := range jobURLs {
		// runs posted before the relay stored a job reference carry no URL
		if jobURL == "" || seen[jobURL] {
			continue
		}
		seen[jobURL] = true

		job, err := uc.gitlab.GetJobByURL(ctx, jobURL)
		if err != nil {
			logger.Warn("failed to resolve suite job", "error", err, "job_url", jobURL)
			continue
		}
		if uc.cfg.Sterile {
			logger.Info("sterile mode: would retry job", "job", job.Name, "job_url", jobURL)
			outcome.Triggered = append(outcome.Triggered, job.Name)
			continue
		}
		if err := uc.gitlab.RetryJobByURL(ctx, jobURL); err != nil {
			logger.Warn("failed to retry suite job", "error", err, "job_url", jobURL)
			outcome.Failed = append(outcome.Failed, job.Name)
			continue
		}
		outcome.Triggered = append(outcome.Triggered, job.Name)
		uc.cfg.metrics().JobTriggered(ev.Repo.FullName())
	}

	if len(outcome.Triggered) == 0 && len(outcome.Failed) == 0 {
		logger.Debug("suite has no retryable jobs", "suite_id", ev.CheckSuiteID)
		return outcome, nil
	}

	logger.Info("retried suite jobs",
		"repo", ev.Repo.FullName(),
		"retried", outcome.Triggered,
		"failed", outcome.Failed,
	)
	return outcome, nil
}

func checkName(jobName string) string {
	return model.CheckRunName + " / " + jobName
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
