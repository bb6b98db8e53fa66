package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/log"
)

const (
	// ChannelAll receives a marker for every enqueue
	ChannelAll = "job_queue_all"
	// NotifyPayload is the marker carried on every notification
	NotifyPayload = "job_available"

	channelPrefix = "job_queue_"
)

// ChannelFor returns the per-type notification channel name
func ChannelFor(jobType string) string {
	return channelPrefix + jobType
}

// Listener subscribes to one notification channel and delivers wakeups on
// a buffered channel. Subscription loss is tolerated: the listener retries
// with backoff and the consumer's poll ticker covers the gap, so missed
// notifications never lose jobs.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
	wake    chan struct{}
}

// NewListener creates a listener for the given channel name
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	return &Listener{
		pool:    pool,
		channel: channel,
		logger:  log.WithComponent("queue-listener"),
		wake:    make(chan struct{}, 1),
	}
}

// Wake returns the channel that receives one token per notification burst
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}

// Run blocks listening until ctx is cancelled
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn().Err(err).Str("channel", l.channel).Msg("listen subscription lost, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %q`, l.channel)); err != nil {
		return fmt.Errorf("failed to LISTEN on %s: %w", l.channel, err)
	}
	l.logger.Debug().Str("channel", l.channel).Msg("listening for job notifications")

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("notification wait failed: %w", err)
		}
		// Coalesce bursts; a full buffer already means a pending wakeup
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}
