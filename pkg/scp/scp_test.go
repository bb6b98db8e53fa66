package scp

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	dimse "github.com/caio-sobreiro/dicomnet/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/types"
)

// captureQueue records enqueued payloads; fail makes every Enqueue error
type captureQueue struct {
	payloads []any
	fail     bool
}

func (q *captureQueue) Enqueue(_ context.Context, _ string, payload any, _ ...queue.Option) (uuid.UUID, error) {
	if q.fail {
		return uuid.Nil, errors.New("connection refused")
	}
	q.payloads = append(q.payloads, payload)
	return uuid.New(), nil
}

func testIngestor(t *testing.T, q Enqueuer) *Ingestor {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	return New(cfg, q, metrics.New())
}

func storeDataset() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0016}, dicom.VR_UI, "1.2.840.10008.5.1.4.1.1.2")
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, dicom.VR_UI, "1.2.3.4.5")
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI, "1.2.3")
	return ds
}

func cstoreRequest() (*dimse.Message, interfaces.MessageContext) {
	msg := &dimse.Message{
		CommandField:        dimse.CStoreRQ,
		MessageID:           7,
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.1.2",
	}
	meta := interfaces.MessageContext{
		TransferSyntaxUID: dimse.ExplicitVRLittleEndian,
		Dataset:           storeDataset(),
	}
	return msg, meta
}

func TestHandleCStoreStoresAndEnqueues(t *testing.T) {
	q := &captureQueue{}
	s := testIngestor(t, q)

	msg, meta := cstoreRequest()
	data := []byte{0x08, 0x00, 0x18, 0x00}
	resp := s.handleCStore(context.Background(), msg, data, meta)

	assert.Equal(t, uint16(dimse.CStoreRSP), resp.CommandField)
	assert.Equal(t, msg.MessageID, resp.MessageIDBeingRespondedTo)
	assert.Equal(t, uint16(dimse.StatusSuccess), resp.Status)

	require.Len(t, q.payloads, 1)
	payload, ok := q.payloads[0].(types.ReceivedFilePayload)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", payload.StudyInstanceUID)
	assert.Equal(t, "1.2.3.4.5", payload.SOPInstanceUID)
	// No association identity recorded in a direct call; the called AE
	// falls back to the gateway's own title
	assert.Equal(t, s.cfg.DICOM.AETitle, payload.CalledAETitle)

	// The object is on disk before the success response
	info, err := os.Stat(payload.FilePath)
	require.NoError(t, err)
	assert.Equal(t, payload.FileSizeBytes, info.Size())

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Stored)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestHandleCStoreEnqueueFailure(t *testing.T) {
	q := &captureQueue{fail: true}
	s := testIngestor(t, q)

	msg, meta := cstoreRequest()
	resp := s.handleCStore(context.Background(), msg, []byte{0x00}, meta)

	// Without a durable enqueue the peer must see 0x0110 and retry
	assert.Equal(t, statusProcessingFailure, resp.Status)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestHandleCStoreMissingIdentity(t *testing.T) {
	q := &captureQueue{}
	s := testIngestor(t, q)

	msg, meta := cstoreRequest()
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, dicom.VR_UI, "1.2.3.4.5")
	meta.Dataset = ds // no study UID

	resp := s.handleCStore(context.Background(), msg, []byte{0x00}, meta)
	assert.Equal(t, statusProcessingFailure, resp.Status)
	assert.Empty(t, q.payloads)
}

func TestHandleDIMSEEcho(t *testing.T) {
	s := testIngestor(t, &captureQueue{})

	resp, ds, err := s.HandleDIMSE(context.Background(), &dimse.Message{
		CommandField: dimse.CEchoRQ,
		MessageID:    1,
	}, nil, interfaces.MessageContext{})
	require.NoError(t, err)
	assert.Nil(t, ds)
	assert.Equal(t, uint16(dimse.CEchoRSP), resp.CommandField)
	assert.Equal(t, uint16(dimse.StatusSuccess), resp.Status)
}

func TestHandleDIMSEUnsupported(t *testing.T) {
	s := testIngestor(t, &captureQueue{})

	resp, _, err := s.HandleDIMSE(context.Background(), &dimse.Message{
		CommandField: dimse.CFindRQ,
		MessageID:    2,
	}, nil, interfaces.MessageContext{})
	require.NoError(t, err)
	assert.Equal(t, uint16(dimse.StatusFailure), resp.Status)
}
