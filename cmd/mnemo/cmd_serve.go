package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mnemo/internal/config"
	"mnemo/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Serves the sync, pipeline and review APIs plus /health and /metrics
on the configured address (default 127.0.0.1:7333). Tunable config sections
hot-reload while serving; Ctrl-C drains and exits.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.pipelineRunner()
	if err != nil {
		return err
	}
	engine, err := a.syncEngine()
	if err != nil {
		logger.Warn("notion sync disabled", zap.Error(err))
		engine = nil
	}

	srv := server.New(a.cfg.GetHTTP().Addr(), server.Deps{
		Store:    a.store,
		Engine:   engine,
		Pipeline: runner,
		Review:   a.reviewQueue(),
		Notion:   a.notion,
		Anki:     a.anki,
		HasLLM:   a.llm != nil,
		Log:      logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(workspace, a.cfg, func(updated *config.Config) {
		a.cfg = updated
		logger.Info("config reloaded")
	})
	if err != nil {
		logger.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	return srv.Start(ctx)
}
