package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/types"
)

// EventBatcher coalesces IngestEvent rows into bulk COPY writes on the
// dedicated batch pool. Events flush when the batch fills or the flush
// interval elapses, whichever comes first. Add never blocks on the
// database; a full buffer falls back to dropping the event with a log
// line rather than stalling the receive path.
type EventBatcher struct {
	pool     *pgxpool.Pool
	size     int
	interval time.Duration
	logger   zerolog.Logger

	events chan *types.IngestEvent

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewEventBatcher creates a batcher; Start must be called before Add
func NewEventBatcher(pool *pgxpool.Pool, size int, interval time.Duration) *EventBatcher {
	if size < 1 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &EventBatcher{
		pool:     pool,
		size:     size,
		interval: interval,
		logger:   log.WithComponent("event-batcher"),
		events:   make(chan *types.IngestEvent, size*4),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the flush loop
func (b *EventBatcher) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	go b.run()
}

// Stop flushes buffered events and waits for the loop to exit
func (b *EventBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.started = false
	close(b.stopCh)
	<-b.doneCh
}

// Add queues one event for the next flush
func (b *EventBatcher) Add(ev *types.IngestEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case b.events <- ev:
	default:
		b.logger.Warn().Str("sop_instance_uid", ev.SOPInstanceUID).Msg("event buffer full, dropping ingest event")
	}
}

func (b *EventBatcher) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	batch := make([]*types.IngestEvent, 0, b.size)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.flush(batch); err != nil {
			b.logger.Error().Err(err).Int("count", len(batch)).Msg("failed to flush ingest events")
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-b.events:
			batch = append(batch, ev)
			if len(batch) >= b.size {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stopCh:
			// Drain whatever is queued, then final flush
			for {
				select {
				case ev := <-b.events:
					batch = append(batch, ev)
					if len(batch) >= b.size {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *EventBatcher) flush(batch []*types.IngestEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []any{
			ev.ID, ev.StudyID, ev.SOPInstanceUID, ev.EventType,
			ev.CallingAETitle, ev.CalledAETitle, ev.SourceIP, ev.Status,
			ev.ErrorMessage, ev.ReceiveDurationMs, ev.StorageDurationMs,
			ev.FileSizeBytes, ev.CreatedAt,
		})
	}

	_, err := b.pool.CopyFrom(ctx,
		pgx.Identifier{"ingest_events"},
		[]string{
			"id", "study_id", "sop_instance_uid", "event_type",
			"calling_ae_title", "called_ae_title", "source_ip", "status",
			"error_message", "receive_duration_ms", "storage_duration_ms",
			"file_size_bytes", "created_at",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy of %d ingest events failed: %w", len(batch), err)
	}
	return nil
}

// RollupMetrics aggregates the last hour of ingest events into
// metrics_rollup buckets. Safe to run repeatedly; existing buckets are
// replaced.
func (s *Store) RollupMetrics(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metrics_rollup (id, bucket_start, metric_name, value)
		SELECT gen_random_uuid(),
			date_trunc('hour', created_at),
			'ingest_' || status,
			count(*)
		FROM ingest_events
		WHERE created_at >= date_trunc('hour', now()) - interval '1 hour'
		GROUP BY 2, 3
		ON CONFLICT (bucket_start, metric_name) DO UPDATE SET value = EXCLUDED.value`)
	if err != nil {
		return fmt.Errorf("failed to roll up metrics: %w", err)
	}
	return nil
}
