package main

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tagwatch/tagwatch/internal/approval"
	"github.com/tagwatch/tagwatch/internal/config"
	"github.com/tagwatch/tagwatch/internal/deploy"
	"github.com/tagwatch/tagwatch/internal/logging"
	"github.com/tagwatch/tagwatch/internal/messenger"
	libOS "github.com/tagwatch/tagwatch/internal/os"
	"github.com/tagwatch/tagwatch/internal/registry"
	versionpkg "github.com/tagwatch/tagwatch/internal/version"
)

func newWatchCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:               "watch",
		DisableAutoGenTag: true,
		SilenceErrors:     true,
		SilenceUsage:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			version := versionpkg.GetVersion()
			log.WithFields(log.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("Starting Tagwatch")

			if configPath == "" {
				configPath = libOS.GetEnv("TAGWATCH_CONFIG", "config.yaml")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return watch(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(
		&configPath, "config", "",
		"path to the configuration file (default: $TAGWATCH_CONFIG or config.yaml)",
	)
	return cmd
}

func watch(ctx context.Context, cfg *config.Config) error {
	logger := logging.LoggerFromContext(ctx)

	deploy.EnsureRepos(ctx, cfg.HelmRepos)

	client, err := registry.NewClient(cfg)
	if err != nil {
		return err
	}
	deployer := deploy.NewDeployer(cfg)

	// The messenger and the tracker call into each other: the tracker posts
	// and rewrites messages through the messenger, and the messenger routes
	// button presses back into the tracker. The closures below are not
	// invoked until Run starts serving traffic, well after the tracker is
	// assigned.
	var tracker *approval.Tracker
	m, err := messenger.New(
		cfg,
		func(
			ctx context.Context,
			key string,
			decision approval.Decision,
			actor string,
		) (approval.Resolution, bool) {
			return tracker.Decide(ctx, key, decision, actor)
		},
		func(ctx context.Context, event registry.Event) error {
			return tracker.Notify(ctx, event)
		},
		client,
	)
	if err != nil {
		return err
	}
	tracker = approval.NewTracker(m, deployer, cfg)

	poller := registry.NewPoller(client, cfg)

	errCh := make(chan error, 2)
	go func() {
		errCh <- m.Run(ctx)
	}()
	go func() {
		for {
			event, err := poller.Next(ctx)
			if err != nil {
				errCh <- err
				return
			}
			logger.Info(
				"new image detected",
				"repo", event.Repo,
				"tag", event.Tag,
				"pushedAt", event.PushedAt,
			)
			if err = tracker.Notify(ctx, event); err != nil {
				logger.Error(err, "error posting deploy notification")
			}
		}
	}()

	err = <-errCh
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}
