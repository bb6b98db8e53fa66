/*
Package worker contains the background workers that drain the gateway's
two durable queues.

JobWorker drives the generic jobs table: the SCP enqueues a
process_received_file job per stored object, and the Catalog handlers
parse the file, write the Study/Series/Instance hierarchy, and schedule
the study's trigger_forward job. The trigger handler is the dispatch
planner: it evaluates each destination's forwarding rules against the
study and creates one forward job per match.

Forwarder drives the forward_jobs table, pushing whole studies to their
destinations through the SCU. Sweeper reclaims jobs left behind by
crashed workers and keeps the queue depth gauges fresh.

All workers share the same shutdown discipline: cancellation stops
claiming, the job in flight gets the configured grace period to finish,
and remaining claims are released back to pending so a sibling picks
them up immediately.
*/
package worker
