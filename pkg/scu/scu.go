package scu

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caio-sobreiro/dicomnet/client"
	dimse "github.com/caio-sobreiro/dicomnet/types"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/dicomio"
	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/security"
	"github.com/medwire/dicomgw/pkg/types"
)

// Sender is the Storage SCU: it opens one association per forward job and
// pushes every instance of a study by C-STORE, sending stored dataset
// bytes verbatim.
type Sender struct {
	callingAE     string
	defaultMaxPDU int
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

// NewSender creates a sender using the gateway's AE title as calling AE.
// maxPDULength is the proposal for destinations that do not set their own.
func NewSender(callingAE string, maxPDULength int, m *metrics.Metrics) *Sender {
	if maxPDULength <= 0 {
		maxPDULength = 16384
	}
	return &Sender{
		callingAE:     callingAE,
		defaultMaxPDU: maxPDULength,
		metrics:       m,
		logger:        log.WithComponent("scu"),
	}
}

// clientConfig assembles the association parameters for one destination.
// The destination's own timeouts and PDU bound win; sender defaults fill
// the gaps.
func (s *Sender) clientConfig(dest *types.Destination, syntaxes []string) client.Config {
	maxPDU := dest.MaxPDULength
	if maxPDU <= 0 {
		maxPDU = s.defaultMaxPDU
	}
	connectTimeout := dest.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	assocTimeout := dest.AssociationTimeout
	if assocTimeout <= 0 {
		assocTimeout = connectTimeout
	}
	return client.Config{
		CallingAETitle:            s.callingAE,
		CalledAETitle:             dest.AETitle,
		MaxPDULength:              uint32(maxPDU),
		ConnectTimeout:            connectTimeout,
		ReadTimeout:               assocTimeout,
		WriteTimeout:              assocTimeout,
		PreferredTransferSyntaxes: ProposedTransferSyntaxes(syntaxes),
	}
}

// Result is the per-instance accounting of one forward attempt
type Result struct {
	InstancesSent   int
	InstancesFailed int
	BytesSent       int64
	Duration        time.Duration
	// FirstError describes the first per-instance failure, for the job row
	FirstError string
}

// Failed reports whether the attempt left any instance unsent
func (r *Result) Failed() bool {
	return r.InstancesFailed > 0
}

// ForwardStudy sends every file to the destination over a single
// association. If the association drops mid-study it re-associates once
// and resumes with the unsent instances. Per-instance refusals (status
// or presentation context) are counted in InstancesFailed and the
// association continues; a connection failure that survives the
// re-associate aborts with an error so the job retries through the queue.
func (s *Sender) ForwardStudy(ctx context.Context, dest *types.Destination, files []string) (*Result, error) {
	start := time.Now()
	res := &Result{}

	if len(files) == 0 {
		return nil, fmt.Errorf("no instances on disk for destination %s", dest.Name)
	}

	// Load everything up front so the association proposes every stored
	// transfer syntax in one negotiation
	instances := make([]*instance, 0, len(files))
	var syntaxes []string
	for _, path := range files {
		inst, err := loadInstance(path)
		if err != nil {
			// A corrupt stored file counts as a per-instance failure
			s.logger.Error().Err(err).Str("file", path).Msg("failed to load stored instance")
			res.InstancesFailed++
			s.recordInstance(dest, "failed")
			if res.FirstError == "" {
				res.FirstError = fmt.Sprintf("load %s: %v", path, err)
			}
			continue
		}
		instances = append(instances, inst)
		syntaxes = appendSyntax(syntaxes, inst.transferSyntax)
	}
	if len(instances) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	cfg := s.clientConfig(dest, syntaxes)

	// The association library dials plaintext only; for TLS destinations
	// it connects to a local bridge that originates the TLS session
	addr := dest.Addr()
	var relay *tlsRelay
	if dest.TLSEnabled {
		tlsCfg, err := security.ClientTLSConfig(dest)
		if err != nil {
			return nil, err
		}
		relay, err = newTLSRelay(tlsCfg, dest.Addr(), dest.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to start TLS bridge for %s: %w", dest.Name, err)
		}
		defer func() { _ = relay.Close() }()
		addr = relay.Addr()
	}

	assoc, err := client.Connect(addr, cfg)
	if err != nil {
		if relay != nil {
			err = relay.dialError(err)
		}
		return nil, fmt.Errorf("failed to associate with %s (%s): %w", dest.Name, dest.Addr(), err)
	}
	defer func() { _ = assoc.Close() }()

	reconnected := false
	for i := 0; i < len(instances); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inst := instances[i]

		resp, err := assoc.SendCStore(&client.CStoreRequest{
			SOPClassUID:    inst.sopClassUID,
			SOPInstanceUID: inst.sopInstanceUID,
			Data:           inst.data,
			MessageID:      uint16(i + 1),
		})
		if err != nil {
			// Treat a send error as a dropped association: re-associate
			// once and resume with this instance
			if reconnected {
				return nil, fmt.Errorf("association to %s lost twice: %w", dest.Name, err)
			}
			s.logger.Warn().Err(err).Str("destination", dest.Name).Msg("association dropped, re-associating")
			_ = assoc.Close()
			assoc, err = client.Connect(dest.Addr(), cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to re-associate with %s: %w", dest.Name, err)
			}
			reconnected = true
			i--
			continue
		}

		if resp.Status != dimse.StatusSuccess {
			s.logger.Warn().
				Str("destination", dest.Name).
				Str("sop_instance_uid", inst.sopInstanceUID).
				Uint16("status", resp.Status).
				Msg("destination refused instance")
			res.InstancesFailed++
			s.recordInstance(dest, "failed")
			if res.FirstError == "" {
				res.FirstError = fmt.Sprintf("C-STORE of %s returned status 0x%04X", inst.sopInstanceUID, resp.Status)
			}
			continue
		}

		res.InstancesSent++
		res.BytesSent += int64(len(inst.data))
		s.recordInstance(dest, "sent")
		s.metrics.BytesForwarded.WithLabelValues(dest.Name).Add(float64(len(inst.data)))
	}

	res.Duration = time.Since(start)
	s.metrics.ForwardDuration.WithLabelValues(dest.Name).Observe(res.Duration.Seconds())
	return res, nil
}

func (s *Sender) recordInstance(dest *types.Destination, status string) {
	s.metrics.InstancesForwarded.WithLabelValues(dest.Name, status).Inc()
}

// instance is one stored object split back into identity and raw dataset
type instance struct {
	sopClassUID    string
	sopInstanceUID string
	transferSyntax string
	data           []byte
}

func loadInstance(path string) (*instance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	meta, dataset, err := dicomio.SplitPart10(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", path, err)
	}
	if meta.MediaStorageSOPInstanceUID == "" || meta.MediaStorageSOPClassUID == "" {
		return nil, fmt.Errorf("file %s has incomplete meta header", path)
	}
	return &instance{
		sopClassUID:    meta.MediaStorageSOPClassUID,
		sopInstanceUID: meta.MediaStorageSOPInstanceUID,
		transferSyntax: meta.TransferSyntaxUID,
		data:           dataset,
	}, nil
}

// ProposedTransferSyntaxes orders the association proposal: the stored
// syntaxes first, then the uncompressed fallbacks for compatibility
func ProposedTransferSyntaxes(native []string) []string {
	out := make([]string, 0, len(native)+2)
	for _, ts := range native {
		out = appendSyntax(out, ts)
	}
	out = appendSyntax(out, dimse.ExplicitVRLittleEndian)
	out = appendSyntax(out, dimse.ImplicitVRLittleEndian)
	return out
}

func appendSyntax(list []string, ts string) []string {
	if ts == "" {
		return list
	}
	for _, s := range list {
		if s == ts {
			return list
		}
	}
	return append(list, ts)
}
