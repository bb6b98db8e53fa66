package scp

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/server"
	dimse "github.com/caio-sobreiro/dicomnet/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/dicomio"
	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/security"
	"github.com/medwire/dicomgw/pkg/types"
)

// statusProcessingFailure is the C-STORE status returned when the gateway
// cannot durably persist or enqueue; the peer is expected to retry
const statusProcessingFailure uint16 = 0x0110

// Enqueuer is the queue surface the ingestor needs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...queue.Option) (uuid.UUID, error)
}

// Stats is a snapshot of the ingestor counters
type Stats struct {
	Received      int64
	Stored        int64
	Failed        int64
	BytesReceived int64
}

// Ingestor is the Storage SCP: it accepts associations, persists every
// received object byte-preserving, and enqueues one process_received_file
// job per instance. Success is acknowledged only after both the disk
// write and the enqueue committed.
type Ingestor struct {
	cfg     *config.Config
	queue   Enqueuer
	gate    *Gate
	metrics *metrics.Metrics
	logger  zerolog.Logger

	received      atomic.Int64
	stored        atomic.Int64
	failed        atomic.Int64
	bytesReceived atomic.Int64
}

// New creates an ingestor
func New(cfg *config.Config, q Enqueuer, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		cfg:     cfg,
		queue:   q,
		gate:    NewGate(cfg.DICOM.EngineAddr, cfg.DICOM.AllowedCallingAEs),
		metrics: m,
		logger:  log.WithComponent("scp"),
	}
}

// Run serves associations until ctx is cancelled. The DIMSE engine
// listens on loopback only; the gate owns the public address so every
// association passes through TLS termination and AE screening first.
func (s *Ingestor) Run(ctx context.Context) error {
	var tlsCfg *tls.Config
	if s.cfg.DICOM.TLS.Enabled {
		var err error
		tlsCfg, err = security.ServerTLSConfig(s.cfg.DICOM.TLS)
		if err != nil {
			return fmt.Errorf("failed to build listener TLS config: %w", err)
		}
	}
	if err := s.gate.Listen(s.cfg.SCPAddr(), tlsCfg); err != nil {
		return err
	}

	s.logger.Info().
		Str("addr", s.cfg.SCPAddr()).
		Str("ae_title", s.cfg.DICOM.AETitle).
		Bool("tls", s.cfg.DICOM.TLS.Enabled).
		Msg("storage SCP listening")

	errc := make(chan error, 2)
	go func() {
		errc <- server.ListenAndServe(ctx, s.cfg.DICOM.EngineAddr, s.cfg.DICOM.AETitle, s,
			server.WithReadTimeout(s.cfg.DICOM.AssociationTimeout),
			server.WithWriteTimeout(s.cfg.DICOM.AssociationTimeout))
	}()
	go func() {
		errc <- s.gate.Serve(ctx)
	}()
	return <-errc
}

// Stats returns a snapshot of the receive counters
func (s *Ingestor) Stats() Stats {
	return Stats{
		Received:      s.received.Load(),
		Stored:        s.stored.Load(),
		Failed:        s.failed.Load(),
		BytesReceived: s.bytesReceived.Load(),
	}
}

// HandleDIMSE dispatches one DIMSE command
func (s *Ingestor) HandleDIMSE(ctx context.Context, msg *dimse.Message, data []byte, meta interfaces.MessageContext) (*dimse.Message, *dicom.Dataset, error) {
	switch msg.CommandField {
	case dimse.CEchoRQ:
		return &dimse.Message{
			CommandField:              dimse.CEchoRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			CommandDataSetType:        0x0101,
			Status:                    dimse.StatusSuccess,
		}, nil, nil

	case dimse.CStoreRQ:
		return s.handleCStore(ctx, msg, data, meta), nil, nil

	default:
		s.logger.Warn().Uint16("command_field", msg.CommandField).Msg("unsupported DIMSE command")
		return &dimse.Message{
			CommandField:              dimse.ResponseCommandFor(msg.CommandField),
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			CommandDataSetType:        0x0101,
			Status:                    dimse.StatusFailure,
		}, nil, nil
	}
}

// HandleDIMSEStreaming satisfies the streaming handler surface; storage
// has no multi-response commands, so everything funnels to HandleDIMSE
func (s *Ingestor) HandleDIMSEStreaming(ctx context.Context, msg *dimse.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	response, dataset, err := s.HandleDIMSE(ctx, msg, data, meta)
	if err != nil {
		return err
	}
	ts := meta.TransferSyntaxUID
	if ts == "" {
		ts = dicom.TransferSyntaxExplicitVRLittleEndian
	}
	return responder.SendResponse(response, dataset, ts)
}

func (s *Ingestor) handleCStore(ctx context.Context, msg *dimse.Message, data []byte, meta interfaces.MessageContext) *dimse.Message {
	receivedAt := time.Now().UTC()
	s.received.Add(1)
	s.bytesReceived.Add(int64(len(data)))
	s.metrics.BytesReceived.Add(float64(len(data)))

	status := uint16(dimse.StatusSuccess)
	if err := s.store(ctx, msg, data, meta, receivedAt); err != nil {
		s.logger.Error().Err(err).
			Str("sop_class_uid", msg.AffectedSOPClassUID).
			Msg("failed to store received object")
		s.failed.Add(1)
		s.metrics.ObjectsReceived.WithLabelValues("failed").Inc()
		status = statusProcessingFailure
	} else {
		s.stored.Add(1)
		s.metrics.ObjectsReceived.WithLabelValues("stored").Inc()
	}

	return &dimse.Message{
		CommandField:              dimse.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		CommandDataSetType:        0x0101,
		Status:                    status,
	}
}

// store persists the raw dataset bytes and enqueues the catalog job.
// The dataset is wrapped in a generated Part 10 header for the negotiated
// transfer syntax; the received bytes themselves are written verbatim.
func (s *Ingestor) store(ctx context.Context, msg *dimse.Message, data []byte, meta interfaces.MessageContext, receivedAt time.Time) error {
	ts := meta.TransferSyntaxUID
	if ts == "" {
		ts = dicom.TransferSyntaxExplicitVRLittleEndian
	}

	// Minimal identity parse; the catalog writer does the full descriptor
	dataset := meta.Dataset
	if dataset == nil {
		var err error
		dataset, err = dicom.ParseDatasetWithTransferSyntax(data, ts)
		if err != nil {
			return fmt.Errorf("failed to parse received dataset: %w", err)
		}
	}

	studyUID := dataset.GetString(dicom.Tag{Group: 0x0020, Element: 0x000D})
	sopUID := dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018})
	sopClassUID := dataset.GetString(dicom.Tag{Group: 0x0008, Element: 0x0016})
	if sopClassUID == "" {
		sopClassUID = msg.AffectedSOPClassUID
	}
	if studyUID == "" || sopUID == "" {
		return fmt.Errorf("received object missing identity UIDs (study=%q sop=%q)", studyUID, sopUID)
	}

	file := dicomio.BuildPart10(sopClassUID, sopUID, ts, data)

	writeStart := time.Now()
	path, err := dicomio.WriteAtomic(s.cfg.Storage.Root, studyUID, sopUID, file)
	if err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	storageDuration := time.Since(writeStart)
	s.metrics.StorageDuration.Observe(storageDuration.Seconds())
	s.metrics.ReceiveDuration.Observe(time.Since(receivedAt).Seconds())

	// Association identity comes from the gate, which parsed the
	// A-ASSOCIATE-RQ before relaying this connection to the engine
	assoc := s.gate.Current()
	calledAE := assoc.CalledAETitle
	if calledAE == "" {
		calledAE = s.cfg.DICOM.AETitle
	}

	payload := types.ReceivedFilePayload{
		FilePath:          path,
		SOPInstanceUID:    sopUID,
		StudyInstanceUID:  studyUID,
		CallingAETitle:    assoc.CallingAETitle,
		CalledAETitle:     calledAE,
		SourceIP:          assoc.SourceIP,
		ReceiveDurationMs: time.Since(receivedAt).Milliseconds(),
		StorageDurationMs: storageDuration.Milliseconds(),
		FileSizeBytes:     int64(len(file)),
		ReceivedAt:        receivedAt,
	}

	if _, err := s.queue.Enqueue(ctx, types.JobTypeProcessReceivedFile, payload); err != nil {
		// Do not acknowledge receipt without a durable enqueue; the peer
		// will retry and the overwrite is idempotent
		return fmt.Errorf("failed to enqueue catalog job: %w", err)
	}

	s.logger.Debug().
		Str("study_uid", studyUID).
		Str("sop_instance_uid", sopUID).
		Str("transfer_syntax", ts).
		Int("size_bytes", len(file)).
		Msg("object stored")

	return nil
}
