package main

import (
	"github.com/spf13/cobra"

	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/scu"
	"github.com/medwire/dicomgw/pkg/store"
	"github.com/medwire/dicomgw/pkg/worker"
)

var workerSweep bool

func init() {
	workerCmd.Flags().BoolVar(&workerSweep, "sweep", false, "Also run the stale-job sweeper in this process")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one catalog worker",
	Long: `Run one catalog worker instance. It claims process_received_file
and trigger_forward jobs from the queue, catalogs received objects,
and plans forward jobs for complete studies.

On SIGTERM the worker stops claiming, lets the job in flight finish
within the grace period, and releases any remaining claims.`,
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

		listener := queue.NewListener(st.Pool(), queue.ChannelAll)
		go listener.Run(ctx)

		w := worker.NewJobWorker(worker.NewWorkerID("catalog"), q, listener.Wake(), cfg.Queue, cfg.Workers.GracePeriod, m)
		worker.NewCatalog(st, q, cfg.Forwarding, m).RegisterHandlers(w)

		if workerSweep {
			sweeper := worker.NewSweeper(q, st, cfg.Queue.SweepInterval, cfg.Queue.StaleThreshold, m)
			go sweeper.Run(ctx)
		}

		return w.Run(ctx)
	},
}

var forwarderCmd = &cobra.Command{
	Use:   "forwarder",
	Short: "Run one forwarder worker",
	Long: `Run one forwarder worker instance. It claims forward jobs and
pushes complete studies to their destinations over DICOM
associations, one association per job.`,
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

		batchPool, err := store.NewBatchPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer batchPool.Close()
		batcher := store.NewEventBatcher(batchPool, cfg.Workers.EventBatchSize, cfg.Workers.EventBatchInterval)
		batcher.Start()
		defer batcher.Stop()

		listener := queue.NewListener(st.Pool(), store.ForwardJobChannel)
		go listener.Run(ctx)

		sender := scu.NewSender(cfg.DICOM.AETitle, cfg.DICOM.MaxPDULength, m)
		f := worker.NewForwarder(worker.NewWorkerID("forwarder"), st, sender, listener.Wake(),
			cfg.Storage.Root, cfg.Queue, cfg.Workers.GracePeriod, m).
			WithEventSink(batcher)

		return f.Run(ctx)
	},
}
