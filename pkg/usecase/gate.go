package usecase

import (
	"context"
	"strings"

	"github.com/m-mizutani/ctxlog"

	"github.com/m-mizutani/cibridge/pkg/domain/interfaces"
	"github.com/m-mizutani/cibridge/pkg/domain/model"
)

// authorAllowed applies the team gate to an inbound source event. With no
// AllowTeam configured every author passes. The gate checks the sender and,
// for pushes, the pusher as well; both must be allowed.
func (c Config) authorAllowed(ctx context.Context, gh interfaces.GitHubClient, ev *model.Event) (bool, error) {
	if c.AllowTeam == "" {
		return true, nil
	}

	org, team, ok := strings.Cut(c.AllowTeam, "/")
	if !ok {
		org, team = ev.Org, c.AllowTeam
	}
	if ev.Org != org {
		return false, nil
	}

	users := []string{ev.Sender}
	if ev.Pusher != "" && ev.Pusher != ev.Sender {
		users = append(users, ev.Pusher)
	}

	for _, user := range users {
		if user == "" {
			continue
		}
		allowed, err := c.userAllowed(ctx, gh, org, team, user)
		if err != nil {
			return false, err
		}
		if !allowed {
			ctxlog.From(ctx).Info("author not allowed to trigger jobs",
				"user", user,
				"team", c.AllowTeam,
			)
			return false, nil
		}
	}
	return true, nil
}

func (c Config) userAllowed(ctx context.Context, gh interfaces.GitHubClient, org, team, user string) (bool, error) {
	// the organization itself shows up as the author of bot-driven pushes
	if user == org {
		return true, nil
	}
	for _, extra := range c.ExtraUsers {
		if user == extra {
			return true, nil
		}
	}
	return gh.IsTeamMember(ctx, org, team, user)
}
