package main

import (
	"github.com/spf13/cobra"

	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/scp"
)

var scpCmd = &cobra.Command{
	Use:   "scp",
	Short: "Run the Storage SCP receiver",
	Long: `Run the DICOM listener that accepts associations from modalities,
stores received objects to disk, and enqueues them for cataloging.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		m := metrics.New()
		stopMetrics := serveMetrics(cfg, m, st)
		defer stopMetrics()

		q := queue.New(st.Pool(), cfg.Queue.MaxAttempts)
		ingestor := scp.New(cfg, q, m)

		logger := log.WithComponent("main")
		logger.Info().
			Str("ae_title", cfg.DICOM.AETitle).
			Str("addr", cfg.SCPAddr()).
			Msg("starting storage scp")
		return ingestor.Run(ctx)
	},
}
