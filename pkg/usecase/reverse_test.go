package usecase_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/m-mizutani/cibridge/pkg/correlation"
	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/usecase"
	"github.com/m-mizutani/cibridge/pkg/webhook"
)

const dispatchWorkflow = `
on:
  repository_dispatch:
    types: [gitlab-job-finished]
jobs:
  notify:
    runs-on: ubuntu-latest
`

func reverseConfig() usecase.Config {
	return usecase.Config{ReverseDispatch: true}
}

func finishedEvent(status string) *model.Event {
	ts := time.Date(2026, 8, 1, 10, 6, 0, 0, time.UTC)
	return &model.Event{
		Kind:       model.EventExecutionJobStatus,
		ReceivedAt: ts,
		Execution: &model.ExecutionStatus{
			ProjectID:  7,
			PipelineID: 1234,
			JobID:      99,
			JobName:    "unit-tests",
			Status:     status,
			FinishedAt: ts,
		},
	}
}

func TestReverseDispatchSendsEvent(t *testing.T) {
	ctx := context.Background()
	store := triggeredStore(t)
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/notify.yml"] = dispatchWorkflow
	gl := newFakeGitLab()
	signer := webhook.NewPayloadSigner("bridge-secret")

	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, signer, reverseConfig())

	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("success")))

	gt.A(t, gh.dispatches).Length(1)
	call := gh.dispatches[0]
	gt.Equal(t, call.repo.FullName(), "acme/widgets")
	gt.Equal(t, call.eventType, "gitlab-job-finished")

	payload, ok := call.payload.(*model.DispatchPayload)
	gt.True(t, ok)
	gt.Equal(t, payload.JobStatus, "success")
	gt.Equal(t, payload.JobName, "unit-tests")
	gt.Equal(t, payload.ProjectPath, "acme/ci")
	gt.Equal(t, payload.PipelineID, int64(1234))
	gt.Equal(t, payload.GitLabProjectID, int64(7))
}

func TestReverseDispatchDisabled(t *testing.T) {
	ctx := context.Background()
	store := triggeredStore(t)
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/notify.yml"] = dispatchWorkflow
	gl := newFakeGitLab()

	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, webhook.NewPayloadSigner("s"), usecase.Config{})

	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("success")))
	gt.A(t, gh.dispatches).Length(0)
}

func TestReverseDispatchStatusFilter(t *testing.T) {
	ctx := context.Background()
	store := triggeredStore(t)
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/notify.yml"] = dispatchWorkflow
	gl := newFakeGitLab()

	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, webhook.NewPayloadSigner("s"), reverseConfig())

	// canceled is not in the default trigger set
	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("canceled")))
	gt.A(t, gh.dispatches).Length(0)
}

func TestReverseDispatchNoListeningWorkflow(t *testing.T) {
	ctx := context.Background()
	store := triggeredStore(t)
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/ci.yml"] = "on: [push]\n"
	gl := newFakeGitLab()

	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, webhook.NewPayloadSigner("s"), reverseConfig())

	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("success")))
	gt.A(t, gh.dispatches).Length(0)
}

func TestReverseDispatchDetectionIsCached(t *testing.T) {
	ctx := context.Background()
	store := triggeredStore(t)
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/notify.yml"] = dispatchWorkflow
	gl := newFakeGitLab()

	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, webhook.NewPayloadSigner("s"), reverseConfig())

	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("success")))
	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("failed")))

	gt.A(t, gh.dispatches).Length(2)
	gt.Equal(t, gh.workflowLists, 1)
}

func TestReverseDispatchConcurrentDetection(t *testing.T) {
	ctx := context.Background()
	store := triggeredStore(t)
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/notify.yml"] = dispatchWorkflow
	gl := newFakeGitLab()

	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, webhook.NewPayloadSigner("s"), reverseConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = uc.OnExecutionFinished(ctx, finishedEvent("success"))
		}()
	}
	wg.Wait()

	gh.mu.Lock()
	defer gh.mu.Unlock()
	gt.Equal(t, len(gh.dispatches), 8)
	// concurrent lookups for the same repository share one listing
	gt.Equal(t, gh.workflowLists, 1)
}

func TestReverseDispatchBridgePayloadFallback(t *testing.T) {
	ctx := context.Background()
	// empty store: the process restarted after triggering
	store := correlation.New()
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/notify.yml"] = dispatchWorkflow
	gl := newFakeGitLab()
	signer := webhook.NewPayloadSigner("bridge-secret")

	bridge := model.BridgePayload{
		InstallationID: 42,
		RepoSlug:       "acme/widgets",
		RepoName:       "widgets",
		HeadSHA:        "abc123",
		JobName:        "unit-tests",
	}
	raw, err := json.Marshal(bridge)
	gt.NoError(t, err)
	gl.variables = map[string]string{
		"BRIDGE_PAYLOAD":    string(raw),
		"TRIGGER_SIGNATURE": signer.Sign(raw),
	}

	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, signer, reverseConfig())

	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("success")))
	gt.A(t, gh.dispatches).Length(1)
	gt.Equal(t, gh.dispatches[0].repo.FullName(), "acme/widgets")
}

func TestReverseDispatchRejectsForgedPayload(t *testing.T) {
	ctx := context.Background()
	store := correlation.New()
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/notify.yml"] = dispatchWorkflow
	gl := newFakeGitLab()
	signer := webhook.NewPayloadSigner("bridge-secret")

	raw, err := json.Marshal(model.BridgePayload{RepoSlug: "acme/evil", InstallationID: 42})
	gt.NoError(t, err)
	gl.variables = map[string]string{
		"BRIDGE_PAYLOAD":    string(raw),
		"TRIGGER_SIGNATURE": "forged",
	}

	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, signer, reverseConfig())

	// unverifiable origin is dropped silently
	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("success")))
	gt.A(t, gh.dispatches).Length(0)
}

func TestReverseDispatchSterileMode(t *testing.T) {
	ctx := context.Background()
	store := triggeredStore(t)
	gh := newFakeGitHub()
	gh.workflows[".github/workflows/notify.yml"] = dispatchWorkflow
	gl := newFakeGitLab()

	cfg := reverseConfig()
	cfg.Sterile = true
	uc := usecase.NewReverseDispatch(store, &fakeClients{client: gh}, gl, webhook.NewPayloadSigner("s"), cfg)

	gt.NoError(t, uc.OnExecutionFinished(ctx, finishedEvent("success")))
	gt.A(t, gh.dispatches).Length(0)
}
