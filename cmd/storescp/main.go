// Command storescp runs the StoreSCP listener: accept DICOM associations,
// negotiate presentation contexts per policy, and persist every stored
// instance to the configured backend while rolling receipts up into an
// in-memory study index for QIDO-RS.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/caio-sobreiro/dicomstack/appinit"
	"github.com/caio-sobreiro/dicomstack/config"
	"github.com/caio-sobreiro/dicomstack/hook"
	"github.com/caio-sobreiro/dicomstack/memindex"
	"github.com/caio-sobreiro/dicomstack/pdu"
	"github.com/caio-sobreiro/dicomstack/scp"
)

func main() {
	app := &cli.App{
		Name:  "storescp",
		Usage: "DICOM Upper Layer StoreSCP: accept associations and persist C-STORE instances",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file path"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "storescp:", err)
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

	backend, err := appinit.NewBackend(ctx, cfg.StoreSCP.Storage)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}

	index := memindex.New()
	policy := buildPolicy(cfg.StoreSCP)

	sink := scp.SinkFunc(func(e scp.Event) { logEvent(logger, e) })

	extractTags := append(append([]string(nil), cfg.StoreSCP.ExtractTags...), cfg.StoreSCP.ExtractCustomTags...)

	address := fmt.Sprintf(":%d", cfg.StoreSCP.Port)
	logger.Info().Str("address", address).Str("ae_title", cfg.StoreSCP.CallingAETitle).Msg("starting StoreSCP")

	err = scp.ListenAndServe(ctx, address, cfg.StoreSCP.CallingAETitle, backend, sink,
		scp.WithLogger(logger),
		scp.WithPolicy(policy),
		scp.WithHook(hook.NoopInvoker{}),
		scp.WithMetadataIndex(index),
		scp.WithExtractTags(extractTags),
		scp.WithStoreWithFileMeta(cfg.StoreSCP.StoreWithFileMeta),
	)
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info().Msg("StoreSCP shutdown complete")
	return nil
}

func buildPolicy(cfg config.StoreSCPConfig) pdu.NegotiationPolicy {
	policy := pdu.DefaultPolicy()
	policy.LocalMaxPDULength = cfg.MaxPDULength
	policy.Strict = cfg.Strict

	switch cfg.AbstractSyntaxMode {
	case "All":
		policy.AbstractSyntaxMode = pdu.All
	case "Custom":
		policy.AbstractSyntaxMode = pdu.Custom
		policy.CustomAbstractSyntaxes = cfg.AbstractSyntaxes
	default:
		policy.AbstractSyntaxMode = pdu.AllStorage
	}

	switch cfg.TransferSyntaxMode {
	case "UncompressedOnly":
		policy.TransferSyntaxMode = pdu.TransferSyntaxUncompressedOnly
	case "Custom":
		policy.TransferSyntaxMode = pdu.TransferSyntaxCustom
		policy.CustomTransferSyntaxes = cfg.TransferSyntaxes
	default:
		policy.TransferSyntaxMode = pdu.TransferSyntaxAll
	}

	return policy
}

func logEvent(logger zerolog.Logger, e scp.Event) {
	switch e.Kind {
	case scp.EventServerStarted:
		logger.Info().Str("address", e.Address).Msg("StoreSCP listening")
	case scp.EventFileStored:
		logger.Info().
			Str("sop_instance_uid", e.SOPInstanceUID).
			Str("sop_class_uid", e.SOPClassUID).
			Str("transfer_syntax_uid", e.TransferSyntaxUID).
			Str("storage_path", e.StoragePath).
			Msg("instance stored")
	case scp.EventStudyCompleted:
		if e.Study == nil {
			return
		}
		logger.Info().
			Str("study_instance_uid", e.Study.StudyInstanceUID).
			Int("series_count", len(e.Study.Series)).
			Msg("study completed")
	case scp.EventError:
		logger.Warn().Err(e.Err).Msg("StoreSCP error")
	}
}
