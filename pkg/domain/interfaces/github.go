package interfaces

import (
	"context"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
)

// GitHubClient defines the source host operations the relay performs.
// Implementations authenticate as a GitHub App installation.
type GitHubClient interface {
	// CreateCheckRun posts a check run and returns its ID. Re-posting with
	// the same name and head SHA replaces the visible state.
	CreateCheckRun(ctx context.Context, repo model.RepoRef, params *model.CheckRunParams) (int64, error)

	// Dispatch sends a repository_dispatch event with the given type and
	// client payload
	Dispatch(ctx context.Context, repo model.RepoRef, eventType string, payload any) error

	// ListWorkflowPaths lists the in-repo paths of all workflow files
	ListWorkflowPaths(ctx context.Context, repo model.RepoRef) ([]string, error)

	// GetFileContent fetches the decoded content of a file at a ref. An
	// empty ref means the default branch.
	GetFileContent(ctx context.Context, repo model.RepoRef, path, ref string) (string, error)

	// GetFileDownloadURL resolves the raw download URL of a file at a ref
	GetFileDownloadURL(ctx context.Context, repo model.RepoRef, path, ref string) (string, error)

	// IsTeamMember reports whether user is an active member of org/team
	IsTeamMember(ctx context.Context, org, team, user string) (bool, error)

	// ListSuiteJobURLs returns the external IDs of the check runs grouped
	// under a check suite. Runs without an external ID yield empty strings.
	ListSuiteJobURLs(ctx context.Context, repo model.RepoRef, suiteID int64) ([]string, error)
}

// GitHubClients hands out per-installation clients. Webhook payloads carry
// the installation ID; tokens are minted and cached per installation.
type GitHubClients interface {
	ForInstallation(installationID int64) (GitHubClient, error)
}
