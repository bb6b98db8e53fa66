package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/medwire/dicomgw/pkg/types"
)

// Result is the outcome of one destination probe
type Result struct {
	Destination string
	Healthy     bool
	Message     string
	CheckedAt   time.Time
	Duration    time.Duration
}

// Prober checks whether destinations are reachable. It is a plain TCP
// connect probe: a PACS that accepts the connection is considered up,
// association-level failures are left to the forwarder to discover.
type Prober struct {
	timeout time.Duration
}

// NewProber creates a prober with the given per-destination dial timeout
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{timeout: timeout}
}

// Probe dials one destination
func (p *Prober) Probe(ctx context.Context, d *types.Destination) Result {
	start := time.Now()

	timeout := p.timeout
	if d.ConnectTimeout > 0 {
		timeout = d.ConnectTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return Result{
			Destination: d.Name,
			Healthy:     false,
			Message:     fmt.Sprintf("connection failed: %v", err),
			CheckedAt:   start,
			Duration:    time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Destination: d.Name,
		Healthy:     true,
		Message:     fmt.Sprintf("tcp connect to %s ok", d.Addr()),
		CheckedAt:   start,
		Duration:    time.Since(start),
	}
}

// ProbeAll dials every destination sequentially and returns one result
// per destination in input order
func (p *Prober) ProbeAll(ctx context.Context, dests []*types.Destination) []Result {
	results := make([]Result, 0, len(dests))
	for _, d := range dests {
		results = append(results, p.Probe(ctx, d))
	}
	return results
}
