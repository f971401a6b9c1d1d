package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/config"
	httpserver "github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/interface/http"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the competency HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		catalogPath, _ := cmd.Flags().GetString("catalog")

		log := newLogger(cfg)
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runServe(ctx, cfg, catalogPath, log); err != nil {
			log.Error("serve failed", logger.Err(err))
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("catalog", "", "catalog JSON file loaded into the store before serving")
}

// runServe serves until ctx is cancelled, then drains the HTTP server and
// releases every component.
func runServe(ctx context.Context, cfg *config.Config, catalogPath string, log *logger.Logger) error {
	log.Info("starting competency service")

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if catalogPath != "" {
		f, err := readCatalogFile(catalogPath)
		if err != nil {
			return err
		}
		courses, learners, err := f.load(ctx, app.sink)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		log.Info("catalog loaded", logger.Int("courses", courses), logger.Int("learners", learners))
	}

	server := httpserver.NewServer(httpConfig(cfg), app.deps)

	if app.jobs != nil {
		if err := app.jobs.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = app.jobs.Stop() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("competency service stopped")
	return nil
}
