package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/dicomio"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/queue"
	"github.com/medwire/dicomgw/pkg/store"
	"github.com/medwire/dicomgw/pkg/types"
)

const (
	testCTImage   = "1.2.840.10008.5.1.4.1.1.2"
	tsImplicitLE  = "1.2.840.10008.1.2"
	testStudyUID  = "1.2.3"
	testSeriesUID = "1.2.3.9"
	testSOPUID    = "1.2.3.4"
)

type fakeCatalogStore struct {
	study        *types.Study
	modalities   []string
	callingAE    string
	destinations []*types.Destination
	createReturn bool

	ingested     []*dicomio.Descriptor
	events       []*types.IngestEvent
	forwardPairs [][2]uuid.UUID
	priorities   []int
}

func (f *fakeCatalogStore) IngestInstance(_ context.Context, desc *dicomio.Descriptor, _ store.IngestMeta) (*store.IngestResult, error) {
	f.ingested = append(f.ingested, desc)
	return &store.IngestResult{StudyID: uuid.New(), SeriesID: uuid.New(), NewInstance: true}, nil
}

func (f *fakeCatalogStore) InsertIngestEvent(_ context.Context, ev *types.IngestEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeCatalogStore) GetStudyByUID(_ context.Context, uid string) (*types.Study, error) {
	if f.study == nil || f.study.StudyInstanceUID != uid {
		return nil, store.ErrNotFound
	}
	return f.study, nil
}

func (f *fakeCatalogStore) StudyModalities(context.Context, uuid.UUID) ([]string, error) {
	return f.modalities, nil
}

func (f *fakeCatalogStore) LatestCallingAETitle(context.Context, uuid.UUID) (string, error) {
	return f.callingAE, nil
}

func (f *fakeCatalogStore) ListDestinations(_ context.Context, enabledOnly bool) ([]*types.Destination, error) {
	if !enabledOnly {
		return f.destinations, nil
	}
	var out []*types.Destination
	for _, d := range f.destinations {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeCatalogStore) ListDestinationsByIDs(_ context.Context, ids []uuid.UUID) ([]*types.Destination, error) {
	var out []*types.Destination
	for _, d := range f.destinations {
		for _, id := range ids {
			if d.ID == id {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (f *fakeCatalogStore) CreateForwardJob(_ context.Context, studyID, destID uuid.UUID, priority, _ int) (bool, error) {
	f.forwardPairs = append(f.forwardPairs, [2]uuid.UUID{studyID, destID})
	f.priorities = append(f.priorities, priority)
	return f.createReturn, nil
}

type fakeEnqueuer struct {
	jobTypes []string
	payloads []any
	optCount []int
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType string, payload any, opts ...queue.Option) (uuid.UUID, error) {
	f.jobTypes = append(f.jobTypes, jobType)
	f.payloads = append(f.payloads, payload)
	f.optCount = append(f.optCount, len(opts))
	return uuid.New(), nil
}

// writeTestInstance stores one parseable Part 10 file and returns its path
func writeTestInstance(t *testing.T, root string) string {
	t.Helper()

	var buf []byte
	for _, e := range []struct {
		group, element uint16
		value          string
	}{
		{0x0008, 0x0016, testCTImage},
		{0x0008, 0x0018, testSOPUID},
		{0x0008, 0x0060, "CT"},
		{0x0010, 0x0020, "PAT001"},
		{0x0020, 0x000D, testStudyUID},
		{0x0020, 0x000E, testSeriesUID},
	} {
		v := []byte(e.value)
		if len(v)%2 != 0 {
			v = append(v, 0x00)
		}
		buf = binary.LittleEndian.AppendUint16(buf, e.group)
		buf = binary.LittleEndian.AppendUint16(buf, e.element)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}

	file := dicomio.BuildPart10(testCTImage, testSOPUID, tsImplicitLE, buf)
	path, err := dicomio.WriteAtomic(root, testStudyUID, testSOPUID, file)
	require.NoError(t, err)
	return path
}

func receivedJob(t *testing.T, path string) *types.Job {
	t.Helper()
	payload, err := json.Marshal(types.ReceivedFilePayload{
		FilePath:         path,
		SOPInstanceUID:   testSOPUID,
		StudyInstanceUID: testStudyUID,
		CallingAETitle:   "MODALITY_A",
		CalledAETitle:    "GATEWAY",
		FileSizeBytes:    1024,
		ReceivedAt:       time.Now(),
	})
	require.NoError(t, err)
	return &types.Job{ID: uuid.New(), JobType: types.JobTypeProcessReceivedFile, Payload: payload, Attempts: 1}
}

func newTestCatalog(st *fakeCatalogStore, q *fakeEnqueuer, fwd config.ForwardingConfig) *Catalog {
	return NewCatalog(st, q, fwd, metrics.New())
}

func TestHandleProcessReceivedFile(t *testing.T) {
	path := writeTestInstance(t, t.TempDir())
	st := &fakeCatalogStore{}
	q := &fakeEnqueuer{}
	c := newTestCatalog(st, q, config.ForwardingConfig{QuietPeriod: 60 * time.Second, MaxAttempts: 3})

	result, err := c.HandleProcessReceivedFile(context.Background(), receivedJob(t, path))
	require.NoError(t, err)
	assert.NotNil(t, result)

	require.Len(t, st.ingested, 1)
	assert.Equal(t, testStudyUID, st.ingested[0].StudyInstanceUID)
	assert.Equal(t, "CT", st.ingested[0].Modality)

	// Quiet period scheduling: trigger enqueued with delay and dedupe
	require.Len(t, q.jobTypes, 1)
	assert.Equal(t, types.JobTypeTriggerForward, q.jobTypes[0])
	assert.Equal(t, 2, q.optCount[0])
	trigger := q.payloads[0].(types.TriggerForwardPayload)
	assert.Equal(t, testStudyUID, trigger.StudyInstanceUID)
}

func TestHandleProcessReceivedFileEager(t *testing.T) {
	path := writeTestInstance(t, t.TempDir())
	st := &fakeCatalogStore{}
	q := &fakeEnqueuer{}
	c := newTestCatalog(st, q, config.ForwardingConfig{Eager: true, MaxAttempts: 3})

	_, err := c.HandleProcessReceivedFile(context.Background(), receivedJob(t, path))
	require.NoError(t, err)

	require.Len(t, q.jobTypes, 1)
	// Eager scheduling carries only the dedupe option, no delay
	assert.Equal(t, 1, q.optCount[0])
}

func TestHandleProcessReceivedFileExternalTrigger(t *testing.T) {
	path := writeTestInstance(t, t.TempDir())
	st := &fakeCatalogStore{}
	q := &fakeEnqueuer{}
	c := newTestCatalog(st, q, config.ForwardingConfig{MaxAttempts: 3})

	_, err := c.HandleProcessReceivedFile(context.Background(), receivedJob(t, path))
	require.NoError(t, err)
	assert.Empty(t, q.jobTypes)
}

func TestHandleProcessReceivedFileParseFailure(t *testing.T) {
	root := t.TempDir()
	path, err := dicomio.WriteAtomic(root, testStudyUID, testSOPUID, []byte("not a dicom file"))
	require.NoError(t, err)

	st := &fakeCatalogStore{}
	q := &fakeEnqueuer{}
	c := newTestCatalog(st, q, config.ForwardingConfig{QuietPeriod: time.Minute, MaxAttempts: 3})

	_, err = c.HandleProcessReceivedFile(context.Background(), receivedJob(t, path))
	require.Error(t, err)

	// Failure recorded for audit; nothing cataloged, nothing scheduled
	require.Len(t, st.events, 1)
	assert.Equal(t, types.IngestStatusFailed, st.events[0].Status)
	assert.Equal(t, testSOPUID, st.events[0].SOPInstanceUID)
	assert.Empty(t, st.ingested)
	assert.Empty(t, q.jobTypes)
}

func triggerJob(t *testing.T, p types.TriggerForwardPayload) *types.Job {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	return &types.Job{ID: uuid.New(), JobType: types.JobTypeTriggerForward, Payload: payload, Attempts: 1}
}

func TestHandleTriggerForward(t *testing.T) {
	studyID := uuid.New()
	ctDest := &types.Destination{
		ID: uuid.New(), Name: "ct-archive", Enabled: true,
		ForwardingRules: &types.ForwardingRules{Modalities: []string{"CT"}},
	}
	mrDest := &types.Destination{
		ID: uuid.New(), Name: "mr-archive", Enabled: true,
		ForwardingRules: &types.ForwardingRules{Modalities: []string{"MR"}},
	}
	st := &fakeCatalogStore{
		study:        &types.Study{ID: studyID, StudyInstanceUID: testStudyUID},
		modalities:   []string{"CT"},
		destinations: []*types.Destination{ctDest, mrDest},
		createReturn: true,
	}
	c := newTestCatalog(st, &fakeEnqueuer{}, config.ForwardingConfig{MaxAttempts: 3})

	result, err := c.HandleTriggerForward(context.Background(), triggerJob(t, types.TriggerForwardPayload{
		StudyInstanceUID: testStudyUID,
		Priority:         5,
	}))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"forward_jobs_created": 1}, result)
	require.Len(t, st.forwardPairs, 1)
	assert.Equal(t, [2]uuid.UUID{studyID, ctDest.ID}, st.forwardPairs[0])
	assert.Equal(t, []int{5}, st.priorities)
}

func TestHandleTriggerForwardExplicitDestinations(t *testing.T) {
	studyID := uuid.New()
	wanted := &types.Destination{ID: uuid.New(), Name: "a", Enabled: true}
	other := &types.Destination{ID: uuid.New(), Name: "b", Enabled: true}
	st := &fakeCatalogStore{
		study:        &types.Study{ID: studyID, StudyInstanceUID: testStudyUID},
		destinations: []*types.Destination{wanted, other},
		createReturn: true,
	}
	c := newTestCatalog(st, &fakeEnqueuer{}, config.ForwardingConfig{MaxAttempts: 3})

	_, err := c.HandleTriggerForward(context.Background(), triggerJob(t, types.TriggerForwardPayload{
		StudyInstanceUID: testStudyUID,
		DestinationIDs:   []uuid.UUID{wanted.ID},
	}))
	require.NoError(t, err)

	require.Len(t, st.forwardPairs, 1)
	assert.Equal(t, wanted.ID, st.forwardPairs[0][1])
}

func TestHandleTriggerForwardSkipsDisabled(t *testing.T) {
	st := &fakeCatalogStore{
		study: &types.Study{ID: uuid.New(), StudyInstanceUID: testStudyUID},
		destinations: []*types.Destination{
			{ID: uuid.New(), Name: "offline", Enabled: false},
		},
		createReturn: true,
	}
	c := newTestCatalog(st, &fakeEnqueuer{}, config.ForwardingConfig{MaxAttempts: 3})

	result, err := c.HandleTriggerForward(context.Background(), triggerJob(t, types.TriggerForwardPayload{
		StudyInstanceUID: testStudyUID,
		DestinationIDs:   []uuid.UUID{st.destinations[0].ID},
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"forward_jobs_created": 0}, result)
	assert.Empty(t, st.forwardPairs)
}

func TestHandleTriggerForwardUnknownStudy(t *testing.T) {
	c := newTestCatalog(&fakeCatalogStore{}, &fakeEnqueuer{}, config.ForwardingConfig{MaxAttempts: 3})

	_, err := c.HandleTriggerForward(context.Background(), triggerJob(t, types.TriggerForwardPayload{
		StudyInstanceUID: "9.9.9",
	}))
	assert.Error(t, err)
}

func TestHandleTriggerForwardExistingJobNotDoubleCounted(t *testing.T) {
	st := &fakeCatalogStore{
		study:        &types.Study{ID: uuid.New(), StudyInstanceUID: testStudyUID},
		destinations: []*types.Destination{{ID: uuid.New(), Name: "a", Enabled: true}},
		createReturn: false,
	}
	c := newTestCatalog(st, &fakeEnqueuer{}, config.ForwardingConfig{MaxAttempts: 3})

	result, err := c.HandleTriggerForward(context.Background(), triggerJob(t, types.TriggerForwardPayload{
		StudyInstanceUID: testStudyUID,
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"forward_jobs_created": 0}, result)
}
