package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medwire/dicomgw/pkg/autoscaler"
	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/scp"
	"github.com/medwire/dicomgw/pkg/scu"
	"github.com/medwire/dicomgw/pkg/store"
	"github.com/medwire/dicomgw/pkg/supervisor"
	"github.com/medwire/dicomgw/pkg/types"
	"github.com/medwire/dicomgw/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the whole gateway in one process",
	Long: `Run the SCP, workers, sweeper, and autoscaler together. Workers
run as goroutines under an in-process supervisor; the autoscaler
sizes them between the configured min and max bounds.`,
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

		batchPool, err := store.NewBatchPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer batchPool.Close()
		batcher := store.NewEventBatcher(batchPool, cfg.Workers.EventBatchSize, cfg.Workers.EventBatchInterval)
		batcher.Start()
		defer batcher.Stop()

		// Listeners are created inside Run so the notification connection
		// is released when the autoscaler stops the instance
		pool := supervisor.NewPool(m)
		pool.RegisterFactory(types.WorkerTypeCatalog, func(id string) (supervisor.Runner, error) {
			return supervisor.RunnerFunc(func(runCtx context.Context) error {
				listener := queue.NewListener(st.Pool(), queue.ChannelAll)
				go listener.Run(runCtx)
				w := worker.NewJobWorker("catalog-"+id, q, listener.Wake(), cfg.Queue, cfg.Workers.GracePeriod, m)
				worker.NewCatalog(st, q, cfg.Forwarding, m).RegisterHandlers(w)
				return w.Run(runCtx)
			}), nil
		})
		pool.RegisterFactory(types.WorkerTypeForwarder, func(id string) (supervisor.Runner, error) {
			return supervisor.RunnerFunc(func(runCtx context.Context) error {
				listener := queue.NewListener(st.Pool(), store.ForwardJobChannel)
				go listener.Run(runCtx)
				sender := scu.NewSender(cfg.DICOM.AETitle, cfg.DICOM.MaxPDULength, m)
				return worker.NewForwarder("forwarder-"+id, st, sender, listener.Wake(),
					cfg.Storage.Root, cfg.Queue, cfg.Workers.GracePeriod, m).
					WithEventSink(batcher).Run(runCtx)
			}), nil
		})
		defer pool.StopAll(cfg.Workers.GracePeriod)

		// Seed each fleet at its minimum size
		for name, bound := range cfg.Autoscaler.Workers {
			wt := types.WorkerType(name)
			for i := 1; i <= bound.Min; i++ {
				if err := pool.StartInstance(ctx, wt, fmt.Sprintf("%d", i)); err != nil {
					return err
				}
			}
		}

		sweeper := worker.NewSweeper(q, st, cfg.Queue.SweepInterval, cfg.Queue.StaleThreshold, m)
		go sweeper.Run(ctx)

		scaler := autoscaler.New(cfg.Autoscaler, q, st, pool, m)
		go scaler.Run(ctx)

		ingestor := scp.New(cfg, q, m)
		logger := log.WithComponent("main")
		logger.Info().
			Str("ae_title", cfg.DICOM.AETitle).
			Str("addr", cfg.SCPAddr()).
			Msg("gateway starting")

		err = ingestor.Run(ctx)
		if err != nil && ctx.Err() != nil {
			// Shutdown was requested; the listener error is expected
			err = nil
		}
		return err
	},
}
