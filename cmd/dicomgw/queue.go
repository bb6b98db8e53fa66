package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the job queues",
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueDeadLetterCmd)
	queueCmd.AddCommand(queueReplayCmd)
	queueCmd.AddCommand(queueTriggerForwardCmd)

	queueDeadLetterCmd.Flags().Int("limit", 20, "Maximum jobs to show per queue")
	queueReplayCmd.Flags().Bool("forward", false, "Replay from the forward queue instead of the job queue")
	queueTriggerForwardCmd.Flags().StringSlice("destination", nil, "Restrict to these destination names")
	queueTriggerForwardCmd.Flags().Int("priority", 0, "Priority for the created forward jobs")
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-status counts for both queues",
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

		q := queue.New(st.Pool(), cfg.Queue.MaxAttempts)
		jobStats, err := q.Stats(ctx, "")
		if err != nil {
			return err
		}
		forwardStats, err := st.ForwardQueueStats(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tPENDING\tPROCESSING\tCOMPLETED\tFAILED\tDEAD LETTER")
		printStats(w, "jobs", jobStats)
		printStats(w, "forward_jobs", forwardStats)
		return w.Flush()
	},
}

func printStats(w *tabwriter.Writer, name string, s *types.QueueStats) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
		name, s.Pending, s.Processing, s.Completed, s.Failed, s.DeadLetter)
}

var queueDeadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "List dead-lettered jobs from both queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		q := queue.New(st.Pool(), cfg.Queue.MaxAttempts)
		jobs, err := q.ListDeadLetter(ctx, limit)
		if err != nil {
			return err
		}
		forwardJobs, err := st.ListDeadLetterForwardJobs(ctx, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tID\tTYPE\tATTEMPTS\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "jobs\t%s\t%s\t%d/%d\t%s\n",
				j.ID, j.JobType, j.Attempts, j.MaxAttempts, j.ErrorMessage)
		}
		for _, j := range forwardJobs {
			fmt.Fprintf(w, "forward_jobs\t%s\tforward\t%d/%d\t%s\n",
				j.ID, j.Attempts, j.MaxAttempts, j.ErrorMessage)
		}
		return w.Flush()
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay JOB_ID",
	Short: "Return a dead-lettered job to pending with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		forward, _ := cmd.Flags().GetBool("forward")

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		queueName := "jobs"
		if forward {
			queueName = "forward_jobs"
			err = st.ReplayForwardJob(ctx, id)
		} else {
			q := queue.New(st.Pool(), cfg.Queue.MaxAttempts)
			err = q.Replay(ctx, id)
		}
		if err != nil {
			return err
		}
		if err := st.Audit().Record(ctx, "job_replayed", queueName, id.String(), actor(), nil); err != nil {
			return err
		}

		fmt.Printf("Replayed %s from %s\n", id, queueName)
		return nil
	},
}

var queueTriggerForwardCmd = &cobra.Command{
	Use:   "trigger-forward STUDY_INSTANCE_UID",
	Short: "Enqueue a forward trigger for one study",
	Long: `Enqueue a trigger_forward job for the study. Without --destination
every enabled destination whose rules match is a candidate; with it,
only the named destinations are considered.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		destNames, _ := cmd.Flags().GetStringSlice("destination")
		priority, _ := cmd.Flags().GetInt("priority")

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var destIDs []uuid.UUID
		for _, name := range destNames {
			d, err := st.GetDestinationByName(ctx, name)
			if err != nil {
				return fmt.Errorf("destination %q: %w", name, err)
			}
			destIDs = append(destIDs, d.ID)
		}

		q := queue.New(st.Pool(), cfg.Queue.MaxAttempts)
		id, err := q.Enqueue(ctx, types.JobTypeTriggerForward, types.TriggerForwardPayload{
			StudyInstanceUID: args[0],
			DestinationIDs:   destIDs,
			Priority:         priority,
		}, queue.WithPriority(priority))
		if err != nil {
			return err
		}

		fmt.Printf("Enqueued trigger %s for study %s\n", id, args[0])
		return nil
	},
}
