package config

import (
	"time"

	"github.com/urfave/cli/v3"
)

// Relay holds the relay policy configuration
type Relay struct {
	TriggerSecret   string
	Sterile         bool
	ReverseDispatch bool
	TriggerStatuses []string

	Retention     time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration
	DetectionTTL  time.Duration

	RateLimit  float64
	RateBurst  int64
	MaxRetries int64
}

// Flags returns CLI flags for relay policy configuration
func (c *Relay) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "trigger-secret",
			Usage:       "Secret for signing the payload passed to triggered pipelines",
			Required:    true,
			Destination: &c.TriggerSecret,
			Sources:     cli.EnvVars("CIBRIDGE_TRIGGER_SECRET"),
		},
		&cli.BoolFlag{
			Name:        "sterile",
			Usage:       "Process webhooks without any outbound side effect",
			Destination: &c.Sterile,
			Sources:     cli.EnvVars("CIBRIDGE_STERILE"),
		},
		&cli.BoolFlag{
			Name:        "reverse-dispatch",
			Usage:       "Send repository_dispatch events for finished remote jobs",
			Destination: &c.ReverseDispatch,
			Sources:     cli.EnvVars("CIBRIDGE_REVERSE_DISPATCH"),
		},
		&cli.StringSliceFlag{
			Name:        "dispatch-trigger-status",
			Usage:       "Job statuses that trigger a reverse dispatch (default: success, failed)",
			Destination: &c.TriggerStatuses,
			Sources:     cli.EnvVars("CIBRIDGE_DISPATCH_TRIGGER_STATUSES"),
		},
		&cli.DurationFlag{
			Name:        "retention",
			Usage:       "How long finished correlation records are kept",
			Value:       7 * 24 * time.Hour,
			Destination: &c.Retention,
			Sources:     cli.EnvVars("CIBRIDGE_RETENTION"),
		},
		&cli.DurationFlag{
			Name:        "max-age",
			Usage:       "How long a job may stay without a terminal status before timing out",
			Value:       24 * time.Hour,
			Destination: &c.MaxAge,
			Sources:     cli.EnvVars("CIBRIDGE_MAX_AGE"),
		},
		&cli.DurationFlag{
			Name:        "sweep-interval",
			Usage:       "How often expired correlation records are swept",
			Value:       5 * time.Minute,
			Destination: &c.SweepInterval,
			Sources:     cli.EnvVars("CIBRIDGE_SWEEP_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:        "detection-ttl",
			Usage:       "How long workflow detection results are cached",
			Value:       time.Hour,
			Destination: &c.DetectionTTL,
			Sources:     cli.EnvVars("CIBRIDGE_DETECTION_TTL"),
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "Outbound requests per second per upstream",
			Value:       10,
			Destination: &c.RateLimit,
			Sources:     cli.EnvVars("CIBRIDGE_RATE_LIMIT"),
		},
		&cli.Int64Flag{
			Name:        "rate-burst",
			Usage:       "Outbound request burst size per upstream",
			Value:       10,
			Destination: &c.RateBurst,
			Sources:     cli.EnvVars("CIBRIDGE_RATE_BURST"),
		},
		&cli.Int64Flag{
			Name:        "max-retries",
			Usage:       "Maximum attempts per outbound call",
			Value:       5,
			Destination: &c.MaxRetries,
			Sources:     cli.EnvVars("CIBRIDGE_MAX_RETRIES"),
		},
	}
}
