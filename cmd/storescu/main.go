// Command storescu sends one or more Part 10 DICOM files to a remote
// StoreSCP across up to Concurrency parallel associations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/caio-sobreiro/dicomstack/appinit"
	"github.com/caio-sobreiro/dicomstack/config"
	"github.com/caio-sobreiro/dicomstack/scu"
)

func main() {
	app := &cli.App{
		Name:      "storescu",
		Usage:     "send DICOM files to a remote StoreSCP",
		ArgsUsage: "FILE_OR_DIR [FILE_OR_DIR...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file path"},
			&cli.StringFlag{Name: "addr", Usage: "override store_scu.addr (host:port)"},
			&cli.StringFlag{Name: "called-ae", Usage: "override store_scu.called_ae_title"},
			&cli.IntFlag{Name: "concurrency", Usage: "override store_scu.concurrency"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "storescu:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("storescu: at least one FILE_OR_DIR argument is required")
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	if v := c.String("addr"); v != "" {
		cfg.StoreSCU.Addr = v
	}
	if v := c.String("called-ae"); v != "" {
		cfg.StoreSCU.CalledAETitle = v
	}
	if v := c.Int("concurrency"); v != 0 {
		cfg.StoreSCU.Concurrency = v
	}

	logger := appinit.NewLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcherCfg := scu.Config{
		Address:                cfg.StoreSCU.Addr,
		CallingAETitle:         cfg.StoreSCU.CallingAETitle,
		CalledAETitle:          cfg.StoreSCU.CalledAETitle,
		MaxPDULength:           cfg.StoreSCU.MaxPDULength,
		TransferSyntaxOverride: cfg.StoreSCU.TransferSyntax,
		Logger:                 logger,
	}

	sink := scu.SinkFunc(func(e scu.Event) { logEvent(logger, e) })
	dispatcher := scu.NewDispatcher(dispatcherCfg, cfg.StoreSCU.Concurrency, sink)

	for _, arg := range c.Args().Slice() {
		info, err := os.Stat(arg)
		if err != nil {
			return fmt.Errorf("stat %s: %w", arg, err)
		}
		if info.IsDir() {
			if err := dispatcher.AddDirectory(arg); err != nil {
				return fmt.Errorf("add directory %s: %w", arg, err)
			}
			continue
		}
		if err := dispatcher.AddFile(filepath.Clean(arg)); err != nil {
			return fmt.Errorf("add file %s: %w", arg, err)
		}
	}

	logger.Info().Str("addr", cfg.StoreSCU.Addr).Str("called_ae_title", cfg.StoreSCU.CalledAETitle).Msg("starting transfer")
	return dispatcher.Run(ctx)
}

func logEvent(logger zerolog.Logger, e scu.Event) {
	switch e.Kind {
	case scu.EventTransferStarted:
		logger.Info().Int("total", e.Total).Msg("transfer started")
	case scu.EventFileSending:
		logger.Debug().Str("file", e.File).Str("sop_instance_uid", e.SOPInstanceUID).Msg("sending file")
	case scu.EventFileSent:
		logger.Info().Str("file", e.File).Str("sop_instance_uid", e.SOPInstanceUID).Msg("file sent")
	case scu.EventFileError:
		logger.Warn().Err(e.Err).Str("file", e.File).Str("sop_class_uid", e.SOPClassUID).Msg("file transfer failed")
	case scu.EventTransferCompleted:
		logger.Info().
			Int("total", e.Total).
			Int("successful", e.Successful).
			Int("failed", e.Failed).
			Dur("duration", e.Duration).
			Msg("transfer completed")
	}
}
