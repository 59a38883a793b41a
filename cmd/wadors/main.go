// Command wadors serves WADO-RS: study/series/instance retrieval, metadata,
// frames, rendered and thumbnail images, and bulkdata, over the studies a
// storescp instance has already persisted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/caio-sobreiro/dicomstack/appinit"
	"github.com/caio-sobreiro/dicomstack/config"
	"github.com/caio-sobreiro/dicomstack/wadors"
)

func main() {
	app := &cli.App{
		Name:  "wadors",
		Usage: "WADO-RS HTTP server over a storescp-populated storage backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file path"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "wadors:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	logger := appinit.NewLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := appinit.NewBackend(ctx, cfg.WADO.Storage)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}

	registerer := prometheus.NewRegistry()

	flags := wadors.FeatureFlags{
		EnableMetadata:  cfg.WADO.Features.EnableMetadata,
		EnableFrames:    cfg.WADO.Features.EnableFrames,
		EnableRendered:  cfg.WADO.Features.EnableRendered,
		EnableThumbnail: cfg.WADO.Features.EnableThumbnail,
		EnableBulkdata:  cfg.WADO.Features.EnableBulkdata,
	}

	opts := []wadors.Option{
		wadors.WithLogger(logger),
		wadors.WithMetricsRegisterer(registerer),
		wadors.WithFeatureFlags(flags),
		wadors.WithThumbnailSize(cfg.WADO.Thumbnail.Width, cfg.WADO.Thumbnail.Height),
	}
	if cfg.WADO.EnableCORS {
		opts = append(opts, wadors.WithCORS(cfg.WADO.CORSAllowedOrigins))
	}

	router := wadors.New(backend, opts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	mux.Handle("/", router)

	address := fmt.Sprintf(":%d", cfg.WADO.Port)
	server := &http.Server{Addr: address, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", address).Msg("starting WADO-RS server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	logger.Info().Msg("WADO-RS shutdown complete")
	return nil
}
