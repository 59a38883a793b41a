// Command qidors serves QIDO-RS: study/series/instance query over a
// storescp-populated storage backend. Since study aggregates live only in
// memory (spec §6), this binary rebuilds its index at startup by listing
// and parsing every instance already persisted under the shared storage
// location.
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
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/caio-sobreiro/dicomstack/appinit"
	"github.com/caio-sobreiro/dicomstack/config"
	"github.com/caio-sobreiro/dicomstack/dcmio"
	"github.com/caio-sobreiro/dicomstack/memindex"
	"github.com/caio-sobreiro/dicomstack/qidors"
	"github.com/caio-sobreiro/dicomstack/storage"
	"github.com/caio-sobreiro/dicomstack/tags"
)

func main() {
	app := &cli.App{
		Name:  "qidors",
		Usage: "QIDO-RS HTTP server over a storescp-populated storage backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file path"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "qidors:", err)
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

	backend, err := appinit.NewBackend(ctx, cfg.QIDO.Storage)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}

	index := memindex.New()
	n, err := reindex(ctx, backend, index, logger)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	logger.Info().Int("instances", n).Msg("rebuilt in-memory study index")

	registerer := prometheus.NewRegistry()

	opts := []qidors.Option{
		qidors.WithLogger(logger),
		qidors.WithMetricsRegisterer(registerer),
		qidors.WithMetadataIndex(index),
	}
	if cfg.QIDO.EnableCORS {
		opts = append(opts, qidors.WithCORS(cfg.QIDO.CORSAllowedOrigins))
	}

	router := qidors.New(opts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	mux.Handle("/", router)

	address := fmt.Sprintf(":%d", cfg.QIDO.Port)
	server := &http.Server{Addr: address, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", address).Msg("starting QIDO-RS server")
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

	logger.Info().Msg("QIDO-RS shutdown complete")
	return nil
}

// reindex lists every key under backend and parses each as a Part 10
// instance, indexing it the same way scp.Handler does on receipt. A key
// that fails to parse is logged and skipped rather than aborting startup.
func reindex(ctx context.Context, backend storage.Backend, index *memindex.Index, logger zerolog.Logger) (int, error) {
	keys, err := backend.List(ctx, "")
	if err != nil {
		return 0, err
	}

	count := 0
	for _, key := range keys {
		data, err := backend.Get(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("failed to read instance during reindex")
			continue
		}

		ds, err := dcmio.ParsePart10(data)
		if err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("failed to parse instance during reindex")
			continue
		}

		record := tags.Extract(ds, key, int64(len(data)))
		if err := index.IndexInstance(ctx, record); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("failed to index instance during reindex")
			continue
		}
		count++
	}

	return count, nil
}
