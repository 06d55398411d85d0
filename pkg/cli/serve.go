package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/m-mizutani/cibridge/pkg/cli/config"
	controller "github.com/m-mizutani/cibridge/pkg/controller/http"
	"github.com/m-mizutani/cibridge/pkg/correlation"
	"github.com/m-mizutani/cibridge/pkg/domain/types"
	"github.com/m-mizutani/cibridge/pkg/gateway"
	githubinfra "github.com/m-mizutani/cibridge/pkg/infra/github"
	gitlabinfra "github.com/m-mizutani/cibridge/pkg/infra/gitlab"
	"github.com/m-mizutani/cibridge/pkg/metrics"
	"github.com/m-mizutani/cibridge/pkg/usecase"
	"github.com/m-mizutani/cibridge/pkg/webhook"
)

func cmdServe() *cli.Command {
	var (
		serverCfg  config.Server
		githubCfg  config.GitHub
		gitlabCfg  config.GitLab
		relayCfg   config.Relay
		jobSpecCfg config.JobSpec
	)

	flags := serverCfg.Flags()
	flags = append(flags, githubCfg.Flags()...)
	flags = append(flags, gitlabCfg.Flags()...)
	flags = append(flags, relayCfg.Flags()...)
	flags = append(flags, jobSpecCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start HTTP server",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := ctxlog.From(ctx)

			spec, err := jobSpecCfg.Load()
			if err != nil {
				return err
			}
			privateKey, err := githubCfg.PrivateKey()
			if err != nil {
				return err
			}

			logger.Info("Starting relay server",
				slog.String("addr", serverCfg.Addr),
				slog.Int("jobs", len(spec.Jobs)),
				slog.Bool("sterile", relayCfg.Sterile),
				slog.Bool("reverse_dispatch", relayCfg.ReverseDispatch),
			)

			registry := prometheus.NewRegistry()
			sink := metrics.NewPrometheusSink(registry)

			gwCfg := gateway.DefaultConfig()
			gwCfg.RatePerSecond = relayCfg.RateLimit
			gwCfg.Burst = int(relayCfg.RateBurst)
			gwCfg.MaxAttempts = int(relayCfg.MaxRetries)
			gw := gateway.New(
				gateway.WithUpstream(types.UpstreamGitHub, gwCfg),
				gateway.WithUpstream(types.UpstreamGitLab, gwCfg),
				gateway.WithMetrics(sink),
			)

			githubClients := githubinfra.NewFactory(
				githubCfg.AppID,
				privateKey,
				gw.Transport(types.UpstreamGitHub, nil),
				githubCfg.BaseURL,
			)
			gitlabClient := gitlabinfra.New(
				gitlabCfg.APIURL,
				gitlabCfg.AccessToken,
				gitlabCfg.TriggerToken,
				gw.Transport(types.UpstreamGitLab, nil),
			)

			store := correlation.New(
				correlation.WithRetention(relayCfg.Retention),
				correlation.WithMaxAge(relayCfg.MaxAge),
			)
			signer := webhook.NewPayloadSigner(relayCfg.TriggerSecret)

			ucCfg := usecase.Config{
				AppID:           githubCfg.AppID,
				AllowTeam:       githubCfg.AllowTeam,
				ExtraUsers:      githubCfg.ExtraUsers,
				Sterile:         relayCfg.Sterile,
				ReverseDispatch: relayCfg.ReverseDispatch,
				TriggerStatuses: relayCfg.TriggerStatuses,
				DetectionTTL:    relayCfg.DetectionTTL,
				Metrics:         sink,
			}
			triggerUC := usecase.NewTrigger(store, githubClients, gitlabClient, spec, signer, ucCfg)
			relayUC := usecase.NewRelay(store, githubClients, gitlabClient, ucCfg)
			reverseUC := usecase.NewReverseDispatch(store, githubClients, gitlabClient, signer, ucCfg)

			// background sweep; stuck records get one final status push
			sweepCtx, stopSweep := context.WithCancel(ctx)
			defer stopSweep()
			go store.RunSweeper(sweepCtx, relayCfg.SweepInterval, func(ctx context.Context, ev correlation.Evicted) {
				if ev.Reason != correlation.EvictStuck {
					sink.SweepEvicted(string(ev.Reason))
					return
				}
				rec := ev.Record
				relayUC.PushEvictionStatus(ctx, &rec)
			})

			server, err := controller.NewServer(
				ctx,
				triggerUC,
				relayUC,
				reverseUC,
				controller.WithAddr(serverCfg.Addr),
				controller.WithGitHubSecret(githubCfg.WebhookSecret),
				controller.WithGitLabSecret(gitlabCfg.WebhookSecret, gitlabCfg.Mode()),
				controller.WithMetrics(sink, registry),
				controller.WithUpstreamHealth(gw.Health),
			)
			if err != nil {
				return goerr.Wrap(err, "failed to create HTTP server")
			}

			// Start server in goroutine
			go func() {
				logger.Info("HTTP server starting", slog.String("addr", serverCfg.Addr))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("HTTP server error", slog.Any("error", err))
				}
			}()

			// Wait for interrupt signal
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case <-ctx.Done():
				logger.Info("Context cancelled, shutting down...")
			case sig := <-sigChan:
				logger.Info("Signal received, shutting down...", slog.Any("signal", sig))
			}

			// Graceful shutdown
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				return goerr.Wrap(err, "failed to shutdown server gracefully")
			}

			logger.Info("Server shutdown complete")
			return nil
		},
	}
}
