// Package github is the source host client. It authenticates as a GitHub
// App installation and routes every call through the outbound gateway
// transport handed in at construction.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/m-mizutani/goerr/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/m-mizutani/cibridge/pkg/domain/interfaces"
	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/domain/types"
)

// Factory hands out per-installation clients. Installation transports cache
// their access tokens, so clients are cached and reused across webhooks.
type Factory struct {
	appID      int64
	privateKey []byte
	base       http.RoundTripper
	baseURL    string
	clients    *gocache.Cache
}

// NewFactory creates a client factory for the GitHub App. base should be
// the gateway transport for the source host upstream. baseURL overrides the
// API endpoint for tests; empty means api.github.com.
func NewFactory(appID int64, privateKey []byte, base http.RoundTripper, baseURL string) *Factory {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Factory{
		appID:      appID,
		privateKey: privateKey,
		base:       base,
		baseURL:    baseURL,
		clients:    gocache.New(gocache.NoExpiration, 0),
	}
}

// ForInstallation returns a client authenticated for the installation
func (f *Factory) ForInstallation(installationID int64) (interfaces.GitHubClient, error) {
	key := fmt.Sprintf("%d", installationID)
	if v, ok := f.clients.Get(key); ok {
		return v.(*client), nil
	}

	itr, err := ghinstallation.New(f.base, f.appID, installationID, f.privateKey)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create installation transport",
			goerr.V("installation_id", installationID),
		)
	}

	gh := github.NewClient(&http.Client{Transport: itr})
	if f.baseURL != "" {
		gh, err = gh.WithEnterpriseURLs(f.baseURL, f.baseURL)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to set API base URL")
		}
		itr.BaseURL = f.baseURL
	}

	c := &client{gh: gh}
	f.clients.Set(key, c, gocache.DefaultExpiration)
	return c, nil
}

type client struct {
	gh *github.Client
}

func (c *client) CreateCheckRun(ctx context.Context, repo model.RepoRef, params *model.CheckRunParams) (int64, error) {
	opts := github.CreateCheckRunOptions{
		Name:    params.Name,
		HeadSHA: params.HeadSHA,
		Status:  github.Ptr(string(params.Status)),
		Output: &github.CheckRunOutput{
			Title:   github.Ptr(params.Title),
			Summary: github.Ptr(params.Summary),
		},
	}
	if params.DetailsURL != "" {
		opts.DetailsURL = github.Ptr(params.DetailsURL)
	}
	if params.ExternalID != "" {
		opts.ExternalID = github.Ptr(params.ExternalID)
	}
	if params.Status == model.CheckCompleted && params.Conclusion != "" {
		opts.Conclusion = github.Ptr(string(params.Conclusion))
	}
	if params.StartedAt != nil {
		opts.StartedAt = &github.Timestamp{Time: *params.StartedAt}
	}
	if params.CompletedAt != nil {
		opts.CompletedAt = &github.Timestamp{Time: *params.CompletedAt}
	}
	if params.Text != "" {
		opts.Output.Text = github.Ptr(params.Text)
	}

	run, _, err := c.gh.Checks.CreateCheckRun(ctx, repo.Owner, repo.Name, opts)
	if err != nil {
		return 0, wrapAPIError(err, "failed to create check run")
	}
	return run.GetID(), nil
}

func (c *client) Dispatch(ctx context.Context, repo model.RepoRef, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal dispatch payload")
	}
	msg := json.RawMessage(raw)

	_, _, err = c.gh.Repositories.Dispatch(ctx, repo.Owner, repo.Name, github.DispatchRequestOptions{
		EventType:     eventType,
		ClientPayload: &msg,
	})
	if err != nil {
		return wrapAPIError(err, "failed to send repository dispatch")
	}
	return nil
}

func (c *client) ListWorkflowPaths(ctx context.Context, repo model.RepoRef) ([]string, error) {
	var paths []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		workflows, resp, err := c.gh.Actions.ListWorkflows(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, wrapAPIError(err, "failed to list workflows")
		}
		for _, wf := range workflows.Workflows {
			paths = append(paths, wf.GetPath())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

func (c *client) GetFileContent(ctx context.Context, repo model.RepoRef, path, ref string) (string, error) {
	content, _, _, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, &github.RepositoryContentGetOptions{
		Ref: ref,
	})
	if err != nil {
		return "", wrapAPIError(err, "failed to get file content")
	}
	if content == nil {
		return "", goerr.New("path is not a file",
			goerr.V("path", path),
			goerr.T(types.ErrTagUpstreamPermanent),
		)
	}
	decoded, err := content.GetContent()
	if err != nil {
		return "", goerr.Wrap(err, "failed to decode file content", goerr.V("path", path))
	}
	return decoded, nil
}

func (c *client) GetFileDownloadURL(ctx context.Context, repo model.RepoRef, path, ref string) (string, error) {
	content, _, _, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, &github.RepositoryContentGetOptions{
		Ref: ref,
	})
	if err != nil {
		return "", wrapAPIError(err, "failed to resolve download URL")
	}
	if content == nil || content.GetDownloadURL() == "" {
		return "", goerr.New("file has no download URL",
			goerr.V("path", path),
			goerr.T(types.ErrTagUpstreamPermanent),
		)
	}
	return content.GetDownloadURL(), nil
}

func (c *client) ListSuiteJobURLs(ctx context.Context, repo model.RepoRef, suiteID int64) ([]string, error) {
	var urls []string
	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		result, resp, err := c.gh.Checks.ListCheckRunsCheckSuite(ctx, repo.Owner, repo.Name, suiteID, opts)
		if err != nil {
			return nil, wrapAPIError(err, "failed to list suite check runs")
		}
		for _, run := range result.CheckRuns {
			urls = append(urls, run.GetExternalID())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return urls, nil
}

func (c *client) IsTeamMember(ctx context.Context, org, team, user string) (bool, error) {
	membership, resp, err := c.gh.Teams.GetTeamMembershipBySlug(ctx, org, team, user)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, wrapAPIError(err, "failed to check team membership")
	}
	return membership.GetState() == "active", nil
}

// wrapAPIError tags SDK errors with the taxonomy the usecases branch on.
// The gateway has already absorbed transient failures; whatever reaches the
// SDK caller is permanent from the caller's point of view.
func wrapAPIError(err error, msg string) error {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) {
		return goerr.Wrap(err, msg,
			goerr.V("status", errResp.Response.StatusCode),
			goerr.T(types.ErrTagUpstreamPermanent),
		)
	}
	return goerr.Wrap(err, msg, goerr.T(types.ErrTagUpstreamPermanent))
}
