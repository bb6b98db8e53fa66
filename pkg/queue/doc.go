/*
Package queue implements the durable job queue over PostgreSQL.

Contract:
  - At-most-one worker holds a job in processing: the claim is a single
    UPDATE over a FOR UPDATE SKIP LOCKED selection that sets worker_id,
    locked_at and increments attempts atomically.
  - Eligibility is status=pending and available_at <= now, ordered
    priority DESC then created_at ASC.
  - Failure with budget remaining re-schedules after exponential backoff
    (1s, 2s, 4s, ...); exhaustion dead-letters the job. Dead letters are
    retained and can be replayed with a fresh attempt budget.
  - A periodic sweep returns processing rows with stale locks to pending
    without touching the attempt counter.

LISTEN/NOTIFY on job_queue_{job_type} and job_queue_all is a best-effort
wakeup layered on top; workers always keep a fallback poll ticker, so a
lost subscription or missed notification delays work but never loses it.

State machine:

	pending ──claim──▶ processing ──complete──▶ completed
	   ▲                    │
	   │                    ├──fail(attempts<max)──▶ pending (after backoff)
	   │                    └──fail(attempts>=max)─▶ dead_letter
	   └────────stale-claim sweep────────┘
*/
package queue
