package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"github.com/m-mizutani/cibridge/pkg/correlation"
	"github.com/m-mizutani/cibridge/pkg/domain/interfaces"
	"github.com/m-mizutani/cibridge/pkg/domain/model"
)

const (
	// checkTextLimit is the GitHub check-run output text limit, with
	// headroom for the tail header
	checkTextLimit = 65535 - 200
	// logLineWidth is the assumed render width; longer lines count as
	// multiple lines when sizing the tail
	logLineWidth = 150
)

type relayUseCase struct {
	store  *correlation.Store
	github interfaces.GitHubClients
	gitlab interfaces.GitLabClient
	cfg    Config
}

// NewRelay creates the status relay that mirrors execution host job events
// onto source host check runs
func NewRelay(store *correlation.Store, github interfaces.GitHubClients, gitlab interfaces.GitLabClient, cfg Config) interfaces.RelayUseCase {
	return &relayUseCase{
		store:  store,
		github: github,
		gitlab: gitlab,
		cfg:    cfg,
	}
}

// OnExecutionEvent relays one job status event. Events without a correlation
// record are dropped; stale or duplicate deliveries advance nothing and push
// nothing.
func (uc *relayUseCase) OnExecutionEvent(ctx context.Context, ev *model.Event) error {
	logger := ctxlog.From(ctx)

	if ev.Kind != model.EventExecutionJobStatus {
		// pipeline hooks carry nothing the per-job events do not
		logger.Debug("ignoring non-job execution event", "kind", ev.Kind)
		return nil
	}
	ex := ev.Execution

	mapped, err := model.MapExecutionStatus(ex.Status, ex.AllowFailure)
	if err != nil {
		return goerr.Wrap(err, "cannot relay job status")
	}

	key := model.ExecutionKey{
		ProjectID:  ex.ProjectID,
		PipelineID: ex.PipelineID,
		JobName:    ex.JobName,
	}
	rec, ok := uc.store.GetByExecution(key)
	if !ok {
		logger.Debug("no correlation record for job event, dropping",
			"project_id", ex.ProjectID,
			"pipeline_id", ex.PipelineID,
			"job", ex.JobName,
		)
		return nil
	}

	uc.store.BindJobID(rec.Source, ex.JobID)

	advanced, err := uc.store.Advance(rec.Source, mapped.JobState, ev.Sequence())
	if err != nil {
		return goerr.Wrap(err, "failed to advance correlation record")
	}
	if !advanced {
		logger.Debug("stale or duplicate job event, no status pushed",
			"job", ex.JobName,
			"status", ex.Status,
		)
		return nil
	}

	if uc.cfg.Sterile {
		logger.Info("sterile mode: would push check run",
			"repo", rec.Source.Repo,
			"job", ex.JobName,
			"status", ex.Status,
		)
		return nil
	}

	params := uc.checkRunParams(ctx, &rec, ex, mapped)

	gh, err := uc.github.ForInstallation(rec.InstallationID)
	if err != nil {
		return goerr.Wrap(err, "failed to get installation client")
	}
	repo, err := splitRepo(rec.Source.Repo)
	if err != nil {
		return err
	}
	if _, err := gh.CreateCheckRun(ctx, repo, params); err != nil {
		return goerr.Wrap(err, "failed to push check run",
			goerr.V("repo", rec.Source.Repo),
			goerr.V("job", ex.JobName),
		)
	}

	uc.cfg.metrics().StatusPushed(conclusionLabel(mapped))
	logger.Info("pushed job status",
		"repo", rec.Source.Repo,
		"sha", rec.Source.HeadSHA,
		"job", ex.JobName,
		"status", ex.Status,
		"check_status", string(mapped.Status),
	)
	return nil
}

// checkRunParams assembles the check run for a job event. Detail lookups
// against the execution host are best effort; a missing pipeline or log
// never blocks the status push.
func (uc *relayUseCase) checkRunParams(ctx context.Context, rec *model.CorrelationRecord, ex *model.ExecutionStatus, mapped model.CheckState) *model.CheckRunParams {
	logger := ctxlog.From(ctx)

	params := &model.CheckRunParams{
		Name:       checkName(ex.JobName),
		HeadSHA:    rec.Source.HeadSHA,
		Status:     mapped.Status,
		Conclusion: mapped.Conclusion,
		ExternalID: uc.gitlab.JobURL(ex.ProjectID, ex.JobID),
		Title:      statusTitle(ex),
	}
	if !ex.StartedAt.IsZero() {
		t := ex.StartedAt
		params.StartedAt = &t
	}
	if mapped.Status == model.CheckCompleted && !ex.FinishedAt.IsZero() {
		t := ex.FinishedAt
		params.CompletedAt = &t
	}

	var summary strings.Builder
	job, err := uc.gitlab.GetJob(ctx, ex.ProjectID, ex.JobID)
	if err != nil {
		logger.Debug("failed to fetch job details", "error", err)
	} else {
		params.DetailsURL = job.WebURL
		fmt.Fprintf(&summary, "Job: [%s](%s)\n", job.Name, job.WebURL)
	}

	pipeline, err := uc.gitlab.GetPipeline(ctx, ex.ProjectID, ex.PipelineID)
	if err != nil {
		logger.Debug("failed to fetch pipeline details", "error", err)
	} else {
		fmt.Fprintf(&summary, "Pipeline: [#%d](%s)\n", pipeline.ID, pipeline.WebURL)
		if pipeline.YamlErrors != nil && *pipeline.YamlErrors != "" {
			fmt.Fprintf(&summary, "\nConfiguration errors:\n```\n%s\n```\n", *pipeline.YamlErrors)
		}
	}

	fmt.Fprintf(&summary, "\nStatus: %s\n", ex.Status)
	if ex.FailureReason != "" {
		fmt.Fprintf(&summary, "Failure reason: %s\n", ex.FailureReason)
	}
	if !ex.CreatedAt.IsZero() {
		fmt.Fprintf(&summary, "Created: %s\n", ex.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if !ex.StartedAt.IsZero() {
		fmt.Fprintf(&summary, "Started: %s\n", ex.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	if !ex.FinishedAt.IsZero() {
		fmt.Fprintf(&summary, "Finished: %s\n", ex.FinishedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	params.Summary = summary.String()

	if mapped.Status == model.CheckCompleted && ex.Status != "skipped" {
		trace, err := uc.gitlab.GetJobLog(ctx, ex.ProjectID, ex.JobID)
		if err != nil {
			logger.Debug("failed to fetch job log", "error", err)
		} else if trace != "" {
			params.Text = "```\n" + logTail(trace, checkTextLimit) + "\n```"
		}
	}
	return params
}

// PushEvictionStatus reports a stuck record that the sweep forced to timed
// out. One best-effort push; errors are logged, never returned, since the
// record is already gone.
func (uc *relayUseCase) PushEvictionStatus(ctx context.Context, rec *model.CorrelationRecord) {
	logger := ctxlog.From(ctx)
	uc.cfg.metrics().SweepEvicted(string(correlation.EvictStuck))

	if uc.cfg.Sterile {
		logger.Info("sterile mode: would push timeout status", "repo", rec.Source.Repo)
		return
	}

	gh, err := uc.github.ForInstallation(rec.InstallationID)
	if err != nil {
		logger.Warn("failed to get installation client for eviction", "error", err)
		return
	}
	repo, err := splitRepo(rec.Source.Repo)
	if err != nil {
		logger.Warn("failed to parse repository of evicted record", "error", err)
		return
	}

	now := nowUTC()
	_, err = gh.CreateCheckRun(ctx, repo, &model.CheckRunParams{
		Name:        checkName(rec.Source.JobName),
		HeadSHA:     rec.Source.HeadSHA,
		Status:      model.CheckCompleted,
		Conclusion:  model.ConclusionFailure,
		CompletedAt: &now,
		Title:       "Pipeline timed out",
		Summary:     "No status was received from the remote pipeline within the allowed time.",
	})
	if err != nil {
		logger.Warn("failed to push timeout status",
			"error", err,
			"repo", rec.Source.Repo,
			"job", rec.Source.JobName,
		)
		return
	}
	logger.Info("pushed timeout status",
		"repo", rec.Source.Repo,
		"sha", rec.Source.HeadSHA,
		"job", rec.Source.JobName,
	)
}

func statusTitle(ex *model.ExecutionStatus) string {
	title := "GitLab CI: " + ex.Status
	if ex.Status == "failed" && ex.AllowFailure {
		title += " [allowed failure]"
	}
	return title
}

func conclusionLabel(mapped model.CheckState) string {
	if mapped.Status != model.CheckCompleted {
		return string(mapped.Status)
	}
	return string(mapped.Conclusion)
}

func splitRepo(fullName string) (model.RepoRef, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok {
		return model.RepoRef{}, goerr.New("invalid repository name",
			goerr.V("repo", fullName),
		)
	}
	return model.RepoRef{Owner: owner, Name: name}, nil
}

// logTail returns the last lines of trace fitting in limit bytes. Lines
// wider than the render width count as several lines so the tail does not
// look shorter than it is. A header states how much was cut.
func logTail(trace string, limit int) string {
	trace = strings.TrimRight(trace, "\n")
	lines := strings.Split(trace, "\n")

	total := 0
	for _, line := range lines {
		total += len(line)/logLineWidth + 1
	}

	size := 0
	start := len(lines)
	for start > 0 {
		lineSize := len(lines[start-1]) + 1
		if size+lineSize > limit {
			break
		}
		size += lineSize
		start--
	}
	if start == 0 {
		return trace
	}

	shown := 0
	for _, line := range lines[start:] {
		shown += len(line)/logLineWidth + 1
	}
	header := fmt.Sprintf("Showing last %d out of %d total lines\n\n", shown, total)
	return header + strings.Join(lines[start:], "\n")
}
