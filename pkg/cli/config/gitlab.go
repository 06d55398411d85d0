package config

import (
	"github.com/urfave/cli/v3"

	"github.com/m-mizutani/cibridge/pkg/webhook"
)

// GitLab holds execution host configuration
type GitLab struct {
	APIURL        string
	AccessToken   string
	TriggerToken  string
	WebhookSecret string
	AuthMode      string
}

// Flags returns CLI flags for GitLab configuration
func (c *GitLab) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gitlab-api-url",
			Usage:       "GitLab API base URL",
			Value:       "https://gitlab.com/api/v4",
			Destination: &c.APIURL,
			Sources:     cli.EnvVars("CIBRIDGE_GITLAB_API_URL"),
		},
		&cli.StringFlag{
			Name:        "gitlab-access-token",
			Usage:       "GitLab access token for API calls",
			Required:    true,
			Destination: &c.AccessToken,
			Sources:     cli.EnvVars("CIBRIDGE_GITLAB_ACCESS_TOKEN"),
		},
		&cli.StringFlag{
			Name:        "gitlab-trigger-token",
			Usage:       "GitLab pipeline trigger token",
			Required:    true,
			Destination: &c.TriggerToken,
			Sources:     cli.EnvVars("CIBRIDGE_GITLAB_TRIGGER_TOKEN"),
		},
		&cli.StringFlag{
			Name:        "gitlab-webhook-secret",
			Usage:       "Secret for authenticating GitLab webhooks; empty disables verification",
			Destination: &c.WebhookSecret,
			Sources:     cli.EnvVars("CIBRIDGE_GITLAB_WEBHOOK_SECRET"),
		},
		&cli.StringFlag{
			Name:        "gitlab-auth-mode",
			Usage:       "GitLab webhook auth mode (token or signature)",
			Value:       string(webhook.GitLabAuthToken),
			Destination: &c.AuthMode,
			Sources:     cli.EnvVars("CIBRIDGE_GITLAB_AUTH_MODE"),
		},
	}
}

// Mode returns the typed webhook auth mode
func (c *GitLab) Mode() webhook.GitLabAuthMode {
	if c.AuthMode == string(webhook.GitLabAuthSignature) {
		return webhook.GitLabAuthSignature
	}
	return webhook.GitLabAuthToken
}
