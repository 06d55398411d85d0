// Package gitlab is the execution host client: a thin typed layer over the
// handful of REST endpoints the relay touches. All requests go through the
// outbound gateway transport supplied at construction; auth is a project
// access token, pipeline starts use the trigger token.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/domain/types"
)

// ansiEscape matches terminal control sequences in job traces
var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// Client talks to one GitLab instance
type Client struct {
	apiURL       string // e.g. https://gitlab.example.com/api/v4
	accessToken  string
	triggerToken string
	httpClient   *http.Client
}

// New creates a client. transport should be the gateway transport for the
// execution host upstream.
func New(apiURL, accessToken, triggerToken string, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		apiURL:       strings.TrimRight(apiURL, "/"),
		accessToken:  accessToken,
		triggerToken: triggerToken,
		httpClient:   &http.Client{Transport: transport},
	}
}

// JobURL builds the API URL of a job. It is stored as the check run's
// external ID so the retry path can find the job again.
func (c *Client) JobURL(projectID, jobID int64) string {
	return fmt.Sprintf("%s/projects/%d/jobs/%d", c.apiURL, projectID, jobID)
}

func (c *Client) pipelineURL(projectID, pipelineID int64) string {
	return fmt.Sprintf("%s/projects/%d/pipelines/%d", c.apiURL, projectID, pipelineID)
}

// TriggerPipeline starts a pipeline via the trigger API. A 422 means the
// pipeline was refused (e.g. invalid CI configuration) and is returned as a
// permanent error carrying the refusal reason.
func (c *Client) TriggerPipeline(ctx context.Context, projectID int64, ref string, variables map[string]string) (*model.Pipeline, error) {
	form := url.Values{}
	form.Set("token", c.triggerToken)
	form.Set("ref", ref)
	for k, v := range variables {
		form.Set(fmt.Sprintf("variables[%s]", k), v)
	}

	endpoint := fmt.Sprintf("%s/projects/%d/trigger/pipeline", c.apiURL, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build trigger request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "pipeline trigger failed", goerr.T(types.ErrTagUpstreamPermanent))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, goerr.New("pipeline was not created: "+refusalReason(resp.Body),
			goerr.V("project_id", projectID),
			goerr.T(types.ErrTagUpstreamPermanent),
		)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(resp, "pipeline trigger rejected")
	}

	var pipeline model.Pipeline
	if err := json.NewDecoder(resp.Body).Decode(&pipeline); err != nil {
		return nil, goerr.Wrap(err, "failed to decode trigger response")
	}
	return &pipeline, nil
}

func (c *Client) GetPipeline(ctx context.Context, projectID, pipelineID int64) (*model.Pipeline, error) {
	var pipeline model.Pipeline
	if err := c.getJSON(ctx, c.pipelineURL(projectID, pipelineID), &pipeline); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

func (c *Client) GetProject(ctx context.Context, projectID int64) (*model.Project, error) {
	var project model.Project
	if err := c.getJSON(ctx, fmt.Sprintf("%s/projects/%d", c.apiURL, projectID), &project); err != nil {
		return nil, err
	}
	return &project, nil
}

func (c *Client) GetJob(ctx context.Context, projectID, jobID int64) (*model.Job, error) {
	var job model.Job
	if err := c.getJSON(ctx, c.JobURL(projectID, jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobByURL fetches a job from its full API URL. URLs outside the
// configured API base are rejected: check-run external IDs come back from
// the source host and must not redirect the client elsewhere.
func (c *Client) GetJobByURL(ctx context.Context, jobURL string) (*model.Job, error) {
	if !strings.HasPrefix(jobURL, c.apiURL) {
		return nil, goerr.New("incompatible job URL",
			goerr.V("job_url", jobURL),
			goerr.T(types.ErrTagPayloadMalformed),
		)
	}
	var job model.Job
	if err := c.getJSON(ctx, jobURL, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobLog returns the job trace with ANSI escape sequences stripped
func (c *Client) GetJobLog(ctx context.Context, projectID, jobID int64) (string, error) {
	resp, err := c.get(ctx, c.JobURL(projectID, jobID)+"/trace")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", goerr.Wrap(err, "failed to read job trace")
	}
	return ansiEscape.ReplaceAllString(string(raw), ""), nil
}

func (c *Client) GetPipelineVariables(ctx context.Context, projectID, pipelineID int64) (map[string]string, error) {
	var items []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := c.getJSON(ctx, c.pipelineURL(projectID, pipelineID)+"/variables", &items); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(items))
	for _, item := range items {
		out[item.Key] = item.Value
	}
	return out, nil
}

func (c *Client) ListPipelineJobs(ctx context.Context, projectID, pipelineID int64) ([]model.Job, error) {
	var jobs []model.Job
	if err := c.getJSON(ctx, c.pipelineURL(projectID, pipelineID)+"/jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) ListPipelines(ctx context.Context, projectID int64, scope string) ([]model.Pipeline, error) {
	endpoint := fmt.Sprintf("%s/projects/%d/pipelines?scope=%s", c.apiURL, projectID, url.QueryEscape(scope))
	var pipelines []model.Pipeline
	if err := c.getJSON(ctx, endpoint, &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}

func (c *Client) CancelPipeline(ctx context.Context, projectID, pipelineID int64) error {
	return c.post(ctx, c.pipelineURL(projectID, pipelineID)+"/cancel")
}

// RetryJobByURL retries a job from its full API URL, with the same base
// validation as GetJobByURL
func (c *Client) RetryJobByURL(ctx context.Context, jobURL string) error {
	if !strings.HasPrefix(jobURL, c.apiURL) {
		return goerr.New("incompatible job URL",
			goerr.V("job_url", jobURL),
			goerr.T(types.ErrTagPayloadMalformed),
		)
	}
	return c.post(ctx, jobURL+"/retry")
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build request")
	}
	req.Header.Set("Private-Token", c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "request failed",
			goerr.V("url", endpoint),
			goerr.T(types.ErrTagUpstreamPermanent),
		)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp, "request rejected")
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return goerr.Wrap(err, "failed to decode response", goerr.V("url", endpoint))
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to build request")
	}
	req.Header.Set("Private-Token", c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return goerr.Wrap(err, "request failed",
			goerr.V("url", endpoint),
			goerr.T(types.ErrTagUpstreamPermanent),
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp, "request rejected")
	}
	return nil
}

// refusalReason extracts the human-readable reason of a 422 trigger refusal
func refusalReason(body io.Reader) string {
	var info struct {
		Message struct {
			Base []string `json:"base"`
		} `json:"message"`
	}
	if err := json.NewDecoder(body).Decode(&info); err == nil && len(info.Message.Base) > 0 {
		return strings.Join(info.Message.Base, "; ")
	}
	return "unknown error"
}

func statusError(resp *http.Response, msg string) error {
	return goerr.New(msg,
		goerr.V("status", resp.StatusCode),
		goerr.V("url", resp.Request.URL.String()),
		goerr.T(types.ErrTagUpstreamPermanent),
	)
}
