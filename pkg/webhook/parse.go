package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/goerr/v2"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/domain/types"
)

// ParseGitHubEvent converts an authenticated source host delivery into a
// normalized event. Returns (nil, nil) for deliveries the relay does not
// act on (ping, unrelated actions, draft PRs).
func ParseGitHubEvent(eventType, deliveryID string, body []byte, now time.Time) (*model.Event, error) {
	payload, err := github.ParseWebHook(eventType, body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse source webhook payload",
			goerr.V("event_type", eventType),
			goerr.T(types.ErrTagPayloadMalformed),
		)
	}

	ev := &model.Event{
		DeliveryID: deliveryID,
		ReceivedAt: now,
	}

	switch e := payload.(type) {
	case *github.PushEvent:
		ev.Kind = model.EventSourcePush
		ev.Repo = splitFullName(e.GetRepo().GetFullName())
		ev.Org = e.GetOrganization().GetLogin()
		ev.Sender = e.GetSender().GetLogin()
		ev.Pusher = e.GetPusher().GetName()
		ev.HeadSHA = e.GetAfter()
		ev.HeadRef = branchOf(e.GetRef())
		ev.CloneURL = e.GetRepo().GetCloneURL()
		ev.InstallationID = e.GetInstallation().GetID()

	case *github.PullRequestEvent:
		switch e.GetAction() {
		case "synchronize", "opened", "reopened", "ready_for_review":
		default:
			return nil, nil
		}
		pr := e.GetPullRequest()
		if pr.GetDraft() {
			return nil, nil
		}
		ev.Kind = model.EventSourcePullRequest
		ev.Repo = splitFullName(e.GetRepo().GetFullName())
		ev.Org = e.GetOrganization().GetLogin()
		ev.Sender = pr.GetUser().GetLogin()
		ev.HeadSHA = pr.GetHead().GetSHA()
		ev.HeadRef = pr.GetHead().GetRef()
		ev.CloneURL = pr.GetHead().GetRepo().GetCloneURL()
		ev.InstallationID = e.GetInstallation().GetID()

	case *github.CheckRunEvent:
		if e.GetAction() != "rerequested" {
			return nil, nil
		}
		ev.Kind = model.EventSourceCheckRerequest
		ev.Repo = splitFullName(e.GetRepo().GetFullName())
		ev.Org = e.GetOrg().GetLogin()
		ev.Sender = e.GetSender().GetLogin()
		ev.HeadSHA = e.GetCheckRun().GetHeadSHA()
		ev.CheckRunJobURL = e.GetCheckRun().GetExternalID()
		ev.InstallationID = e.GetInstallation().GetID()

	case *github.CheckSuiteEvent:
		if e.GetAction() != "rerequested" {
			return nil, nil
		}
		ev.Kind = model.EventSourceSuiteRerequest
		ev.Repo = splitFullName(e.GetRepo().GetFullName())
		ev.Org = e.GetOrg().GetLogin()
		ev.Sender = e.GetSender().GetLogin()
		ev.HeadSHA = e.GetCheckSuite().GetHeadSHA()
		ev.CloneURL = e.GetRepo().GetCloneURL()
		ev.CheckSuiteID = e.GetCheckSuite().GetID()
		ev.SuiteAppID = e.GetCheckSuite().GetApp().GetID()
		ev.InstallationID = e.GetInstallation().GetID()

	default:
		return nil, nil
	}

	return ev, nil
}

// gitlabJobHook is the wire shape of an execution host job hook
type gitlabJobHook struct {
	ObjectKind    string `json:"object_kind"`
	Ref           string `json:"ref"`
	SHA           string `json:"sha"`
	BuildID       int64  `json:"build_id"`
	BuildName     string `json:"build_name"`
	BuildStatus   string `json:"build_status"`
	BuildCreated  string `json:"build_created_at"`
	BuildStarted  string `json:"build_started_at"`
	BuildFinished string `json:"build_finished_at"`
	AllowFailure  bool   `json:"build_allow_failure"`
	FailureReason string `json:"build_failure_reason"`
	PipelineID    int64  `json:"pipeline_id"`
	ProjectID     int64  `json:"project_id"`
}

type gitlabPipelineHook struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		ID     int64  `json:"id"`
		Ref    string `json:"ref"`
		SHA    string `json:"sha"`
		Status string `json:"status"`
	} `json:"object_attributes"`
	Project struct {
		ID int64 `json:"id"`
	} `json:"project"`
}

// ParseGitLabEvent converts an authenticated execution host delivery into a
// normalized event. Returns (nil, nil) for hook kinds the relay does not
// act on.
func ParseGitLabEvent(eventHeader, deliveryID string, body []byte, now time.Time) (*model.Event, error) {
	switch eventHeader {
	case "Job Hook":
		var hook gitlabJobHook
		if err := json.Unmarshal(body, &hook); err != nil {
			return nil, goerr.Wrap(err, "failed to parse job hook payload",
				goerr.T(types.ErrTagPayloadMalformed),
			)
		}
		if hook.ObjectKind != "build" {
			return nil, goerr.New("job hook object is not a build",
				goerr.V("object_kind", hook.ObjectKind),
				goerr.T(types.ErrTagPayloadMalformed),
			)
		}

		return &model.Event{
			Kind:       model.EventExecutionJobStatus,
			DeliveryID: deliveryID,
			ReceivedAt: now,
			Execution: &model.ExecutionStatus{
				ProjectID:     hook.ProjectID,
				PipelineID:    hook.PipelineID,
				JobID:         hook.BuildID,
				JobName:       hook.BuildName,
				Status:        hook.BuildStatus,
				AllowFailure:  hook.AllowFailure,
				FailureReason: hook.FailureReason,
				Ref:           hook.Ref,
				SHA:           hook.SHA,
				CreatedAt:     parseGitLabTime(hook.BuildCreated),
				StartedAt:     parseGitLabTime(hook.BuildStarted),
				FinishedAt:    parseGitLabTime(hook.BuildFinished),
			},
		}, nil

	case "Pipeline Hook":
		var hook gitlabPipelineHook
		if err := json.Unmarshal(body, &hook); err != nil {
			return nil, goerr.Wrap(err, "failed to parse pipeline hook payload",
				goerr.T(types.ErrTagPayloadMalformed),
			)
		}
		return &model.Event{
			Kind:       model.EventExecutionPipelineDone,
			DeliveryID: deliveryID,
			ReceivedAt: now,
			Execution: &model.ExecutionStatus{
				ProjectID:  hook.Project.ID,
				PipelineID: hook.ObjectAttributes.ID,
				Status:     hook.ObjectAttributes.Status,
				Ref:        hook.ObjectAttributes.Ref,
				SHA:        hook.ObjectAttributes.SHA,
			},
		}, nil
	}

	return nil, nil
}

func splitFullName(full string) model.RepoRef {
	owner, name, _ := strings.Cut(full, "/")
	return model.RepoRef{Owner: owner, Name: name}
}

func branchOf(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	ref = strings.TrimPrefix(ref, "refs/tags/")
	return ref
}

// gitlabHookTimeLayout is the timestamp format of webhook payloads, which
// differs from the RFC3339 the REST API uses
const gitlabHookTimeLayout = "2006-01-02 15:04:05 MST"

func parseGitLabTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(gitlabHookTimeLayout, s); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	return time.Time{}
}
