package config

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// GitHub holds source host configuration
type GitHub struct {
	AppID          int64
	PrivateKeyPath string
	WebhookSecret  string
	AllowTeam      string
	ExtraUsers     []string
	BaseURL        string
}

// Flags returns CLI flags for GitHub configuration
func (c *GitHub) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "github-app-id",
			Usage:       "GitHub App ID",
			Required:    true,
			Destination: &c.AppID,
			Sources:     cli.EnvVars("CIBRIDGE_GITHUB_APP_ID"),
		},
		&cli.StringFlag{
			Name:        "github-private-key",
			Usage:       "Path to the GitHub App private key PEM file",
			Required:    true,
			Destination: &c.PrivateKeyPath,
			Sources:     cli.EnvVars("CIBRIDGE_GITHUB_PRIVATE_KEY"),
		},
		&cli.StringFlag{
			Name:        "github-webhook-secret",
			Usage:       "GitHub webhook secret",
			Required:    true,
			Destination: &c.WebhookSecret,
			Sources:     cli.EnvVars("CIBRIDGE_GITHUB_WEBHOOK_SECRET"),
		},
		&cli.StringFlag{
			Name:        "github-allow-team",
			Usage:       "Team (org/slug) whose members may trigger jobs; empty allows everyone",
			Destination: &c.AllowTeam,
			Sources:     cli.EnvVars("CIBRIDGE_GITHUB_ALLOW_TEAM"),
		},
		&cli.StringSliceFlag{
			Name:        "github-extra-user",
			Usage:       "Extra users allowed to trigger jobs regardless of team membership",
			Destination: &c.ExtraUsers,
			Sources:     cli.EnvVars("CIBRIDGE_GITHUB_EXTRA_USERS"),
		},
		&cli.StringFlag{
			Name:        "github-base-url",
			Usage:       "GitHub API base URL override (for GitHub Enterprise)",
			Destination: &c.BaseURL,
			Sources:     cli.EnvVars("CIBRIDGE_GITHUB_BASE_URL"),
		},
	}
}

// PrivateKey reads the App's private key
func (c *GitHub) PrivateKey() ([]byte, error) {
	key, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read private key",
			goerr.V("path", c.PrivateKeyPath),
		)
	}
	return key, nil
}
