package main

import (
	"github.com/spf13/cobra"

	"github.com/medwire/dicomgw/pkg/autoscaler"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/supervisor"
)

var autoscalerCmd = &cobra.Command{
	Use:   "autoscaler",
	Short: "Run the worker autoscaler",
	Long: `Run the autoscaler against systemd-managed worker units. Worker
instances are expected to be installed as template units named
dicomgw-catalog-worker@N.service and dicomgw-forwarder-worker@N.service.`,
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
		a := autoscaler.New(cfg.Autoscaler, q, st, supervisor.NewSystemd(), m)
		a.Run(ctx)
		return nil
	},
}
