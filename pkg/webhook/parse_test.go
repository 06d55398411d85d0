package webhook_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/webhook"
)

var now = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func TestParseGitHubEvent_Push(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {"full_name": "acme/widgets", "clone_url": "https://github.com/acme/widgets.git"},
		"organization": {"login": "acme"},
		"pusher": {"name": "alice"},
		"sender": {"login": "alice"},
		"installation": {"id": 42}
	}`)

	ev, err := webhook.ParseGitHubEvent("push", "d-1", body, now)
	gt.NoError(t, err)
	gt.NotNil(t, ev)
	gt.Equal(t, ev.Kind, model.EventSourcePush)
	gt.Equal(t, ev.Repo.FullName(), "acme/widgets")
	gt.Equal(t, ev.Org, "acme")
	gt.Equal(t, ev.Sender, "alice")
	gt.Equal(t, ev.HeadSHA, "abc123")
	gt.Equal(t, ev.HeadRef, "main")
	gt.Equal(t, ev.InstallationID, int64(42))
}

func TestParseGitHubEvent_PullRequest(t *testing.T) {
	payload := `{
		"action": "%s",
		"repository": {"full_name": "acme/widgets"},
		"organization": {"login": "acme"},
		"installation": {"id": 42},
		"pull_request": {
			"draft": %s,
			"user": {"login": "bob"},
			"head": {
				"sha": "def456",
				"ref": "feature/x",
				"repo": {"clone_url": "https://github.com/bob/widgets.git"}
			}
		}
	}`

	t.Run("opened non-draft is accepted", func(t *testing.T) {
		body := []byte(fmt.Sprintf(payload, "opened", "false"))
		ev, err := webhook.ParseGitHubEvent("pull_request", "d-2", body, now)
		gt.NoError(t, err)
		gt.NotNil(t, ev)
		gt.Equal(t, ev.Kind, model.EventSourcePullRequest)
		gt.Equal(t, ev.Sender, "bob")
		gt.Equal(t, ev.HeadSHA, "def456")
		gt.Equal(t, ev.HeadRef, "feature/x")
	})

	t.Run("draft PR is ignored", func(t *testing.T) {
		body := []byte(fmt.Sprintf(payload, "opened", "true"))
		ev, err := webhook.ParseGitHubEvent("pull_request", "d-3", body, now)
		gt.NoError(t, err)
		gt.V(t, ev).Nil()
	})

	t.Run("unrelated action is ignored", func(t *testing.T) {
		body := []byte(fmt.Sprintf(payload, "labeled", "false"))
		ev, err := webhook.ParseGitHubEvent("pull_request", "d-4", body, now)
		gt.NoError(t, err)
		gt.V(t, ev).Nil()
	})
}

func TestParseGitHubEvent_CheckRerequest(t *testing.T) {
	body := []byte(`{
		"action": "rerequested",
		"repository": {"full_name": "acme/widgets"},
		"organization": {"login": "acme"},
		"sender": {"login": "carol"},
		"installation": {"id": 42},
		"check_run": {
			"head_sha": "abc123",
			"external_id": "https://gitlab.example.com/api/v4/projects/7/jobs/99"
		}
	}`)

	ev, err := webhook.ParseGitHubEvent("check_run", "d-5", body, now)
	gt.NoError(t, err)
	gt.NotNil(t, ev)
	gt.Equal(t, ev.Kind, model.EventSourceCheckRerequest)
	gt.Equal(t, ev.CheckRunJobURL, "https://gitlab.example.com/api/v4/projects/7/jobs/99")
}

func TestParseGitHubEvent_SuiteRerequest(t *testing.T) {
	payload := `{
		"action": "%s",
		"repository": {"full_name": "acme/widgets", "clone_url": "https://github.com/acme/widgets.git"},
		"organization": {"login": "acme"},
		"sender": {"login": "carol"},
		"installation": {"id": 42},
		"check_suite": {
			"id": 555,
			"head_sha": "abc123",
			"app": {"id": 7007}
		}
	}`

	t.Run("rerequested suite is accepted", func(t *testing.T) {
		body := []byte(fmt.Sprintf(payload, "rerequested"))
		ev, err := webhook.ParseGitHubEvent("check_suite", "d-8", body, now)
		gt.NoError(t, err)
		gt.NotNil(t, ev)
		gt.Equal(t, ev.Kind, model.EventSourceSuiteRerequest)
		gt.Equal(t, ev.Sender, "carol")
		gt.Equal(t, ev.HeadSHA, "abc123")
		gt.Equal(t, ev.CloneURL, "https://github.com/acme/widgets.git")
		gt.Equal(t, ev.CheckSuiteID, int64(555))
		gt.Equal(t, ev.SuiteAppID, int64(7007))
		gt.Equal(t, ev.InstallationID, int64(42))
	})

	t.Run("completed suite is ignored", func(t *testing.T) {
		body := []byte(fmt.Sprintf(payload, "completed"))
		ev, err := webhook.ParseGitHubEvent("check_suite", "d-9", body, now)
		gt.NoError(t, err)
		gt.V(t, ev).Nil()
	})
}

func TestParseGitHubEvent_Malformed(t *testing.T) {
	_, err := webhook.ParseGitHubEvent("push", "d-6", []byte(`{not json`), now)
	gt.Error(t, err)
}

func TestParseGitHubEvent_Unhandled(t *testing.T) {
	ev, err := webhook.ParseGitHubEvent("ping", "d-7", []byte(`{"zen":"ok"}`), now)
	gt.NoError(t, err)
	gt.V(t, ev).Nil()
}

func TestParseGitLabEvent_JobHook(t *testing.T) {
	body := []byte(`{
		"object_kind": "build",
		"ref": "main",
		"sha": "abc123",
		"build_id": 99,
		"build_name": "unit-tests",
		"build_status": "success",
		"build_created_at": "2026-08-01 09:50:00 UTC",
		"build_started_at": "2026-08-01 09:51:00 UTC",
		"build_finished_at": "2026-08-01 09:59:00 UTC",
		"build_allow_failure": false,
		"pipeline_id": 1234,
		"project_id": 7
	}`)

	ev, err := webhook.ParseGitLabEvent("Job Hook", "u-1", body, now)
	gt.NoError(t, err)
	gt.NotNil(t, ev)
	gt.Equal(t, ev.Kind, model.EventExecutionJobStatus)
	gt.NotNil(t, ev.Execution)
	gt.Equal(t, ev.Execution.ProjectID, int64(7))
	gt.Equal(t, ev.Execution.PipelineID, int64(1234))
	gt.Equal(t, ev.Execution.JobID, int64(99))
	gt.Equal(t, ev.Execution.JobName, "unit-tests")
	gt.Equal(t, ev.Execution.Status, "success")
	gt.False(t, ev.Execution.FinishedAt.IsZero())

	// timestamps order the sequence: finished must win
	gt.Equal(t, ev.Sequence(), ev.Execution.FinishedAt.UnixNano())
}

func TestParseGitLabEvent_JobHookWrongKind(t *testing.T) {
	body := []byte(`{"object_kind": "deployment"}`)
	_, err := webhook.ParseGitLabEvent("Job Hook", "u-2", body, now)
	gt.Error(t, err)
}

func TestParseGitLabEvent_PipelineHook(t *testing.T) {
	body := []byte(`{
		"object_kind": "pipeline",
		"object_attributes": {"id": 1234, "ref": "main", "sha": "abc123", "status": "success"},
		"project": {"id": 7}
	}`)

	ev, err := webhook.ParseGitLabEvent("Pipeline Hook", "u-3", body, now)
	gt.NoError(t, err)
	gt.NotNil(t, ev)
	gt.Equal(t, ev.Kind, model.EventExecutionPipelineDone)
}

func TestParseGitLabEvent_Unhandled(t *testing.T) {
	ev, err := webhook.ParseGitLabEvent("Note Hook", "u-4", []byte(`{}`), now)
	gt.NoError(t, err)
	gt.V(t, ev).Nil()
}
