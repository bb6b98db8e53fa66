package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/types"
)

// Systemd supervises worker processes as systemd template units of the
// form dicomgw-{type}-worker@{id}.service. The units are expected to be
// installed on the host; the supervisor only starts and stops instances.
type Systemd struct {
	logger zerolog.Logger
}

// NewSystemd creates a systemd-backed supervisor
func NewSystemd() *Systemd {
	return &Systemd{logger: log.WithComponent("supervisor")}
}

func unitName(workerType types.WorkerType, id string) string {
	return fmt.Sprintf("dicomgw-%s-worker@%s.service", workerType, id)
}

// ListInstances returns the instance ids of active units for the type
func (s *Systemd) ListInstances(ctx context.Context, workerType types.WorkerType) ([]string, error) {
	pattern := fmt.Sprintf("dicomgw-%s-worker@*.service", workerType)
	out, err := exec.CommandContext(ctx, "systemctl",
		"list-units", "--plain", "--no-legend", "--state=active", pattern).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s units: %w", workerType, err)
	}

	prefix := fmt.Sprintf("dicomgw-%s-worker@", workerType)
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		if !strings.HasPrefix(unit, prefix) || !strings.HasSuffix(unit, ".service") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(unit, prefix), ".service"))
	}
	sort.Strings(ids)
	return ids, nil
}

// StartInstance starts one template unit
func (s *Systemd) StartInstance(ctx context.Context, workerType types.WorkerType, id string) error {
	unit := unitName(workerType, id)
	s.logger.Info().Str("unit", unit).Msg("starting unit")
	if out, err := exec.CommandContext(ctx, "systemctl", "start", unit).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start %s: %w (%s)", unit, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// StopInstance stops one template unit. systemd delivers SIGTERM and the
// worker's own grace handling releases its claims.
func (s *Systemd) StopInstance(ctx context.Context, workerType types.WorkerType, id string) error {
	unit := unitName(workerType, id)
	s.logger.Info().Str("unit", unit).Msg("stopping unit")
	if out, err := exec.CommandContext(ctx, "systemctl", "stop", unit).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to stop %s: %w (%s)", unit, err, strings.TrimSpace(string(out)))
	}
	return nil
}
