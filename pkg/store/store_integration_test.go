//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/dicomio"
	"github.com/medwire/dicomgw/pkg/types"
)

// testStore connects to the database named by DICOMGW_TEST_DATABASE_URL,
// which must already have the migrations applied, and starts from empty
// catalog and queue tables
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DICOMGW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DICOMGW_TEST_DATABASE_URL not set")
	}

	cfg := config.Default()
	cfg.Database.URL = url
	st, err := New(context.Background(), cfg.Database)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	_, err = st.pool.Exec(context.Background(),
		`TRUNCATE studies, series, instances, destinations, forward_jobs, ingest_events CASCADE`)
	require.NoError(t, err)

	return st
}

func testDescriptor(sopUID string) *dicomio.Descriptor {
	return &dicomio.Descriptor{
		PatientID:         "PAT001",
		PatientName:       "DOE^JANE",
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.1",
		SOPInstanceUID:    sopUID,
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		Modality:          "CT",
		TransferSyntaxUID: "1.2.840.10008.1.2.1",
	}
}

func testMeta(path string) IngestMeta {
	return IngestMeta{
		FilePath:       path,
		FileSizeBytes:  2048,
		HasPreamble:    true,
		CallingAETitle: "MODALITY1",
		CalledAETitle:  "DICOMGW",
		SourceIP:       "10.0.0.5",
		ReceivedAt:     time.Now().UTC(),
	}
}

func testDestination(t *testing.T, st *Store, name string, enabled bool) *types.Destination {
	t.Helper()
	d := &types.Destination{
		Name:               name,
		AETitle:            "ARCHIVE",
		Host:               "pacs.example.org",
		Port:               11112,
		MaxPDULength:       16384,
		ConnectTimeout:     30 * time.Second,
		AssociationTimeout: 30 * time.Second,
		Enabled:            enabled,
	}
	require.NoError(t, st.CreateDestination(context.Background(), d))
	return d
}

func TestIngestInstanceIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	assert.True(t, first.NewInstance)

	// Replaying the same object must not double-count
	second, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	assert.False(t, second.NewInstance)
	assert.Equal(t, first.StudyID, second.StudyID)
	assert.Equal(t, first.SeriesID, second.SeriesID)

	study, err := st.GetStudy(ctx, first.StudyID)
	require.NoError(t, err)
	assert.Equal(t, 1, study.FileCount)
	assert.Equal(t, int64(2048), study.TotalSizeBytes)

	// Both receipts are audit-trailed with the association identity
	var events int
	var sourceIP string
	err = st.pool.QueryRow(ctx, `
		SELECT count(*), min(source_ip) FROM ingest_events WHERE study_id = $1`,
		first.StudyID).Scan(&events, &sourceIP)
	require.NoError(t, err)
	assert.Equal(t, 2, events)
	assert.Equal(t, "10.0.0.5", sourceIP)
}

func TestCreateForwardJobSuppressesActiveDuplicates(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	res, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	dest := testDestination(t, st, "pacs", true)

	inserted, err := st.CreateForwardJob(ctx, res.StudyID, dest.ID, 0, 3)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.CreateForwardJob(ctx, res.StudyID, dest.ID, 0, 3)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestClaimForwardJobsExclusive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	res, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	dest := testDestination(t, st, "pacs", true)
	_, err = st.CreateForwardJob(ctx, res.StudyID, dest.ID, 0, 3)
	require.NoError(t, err)

	first, err := st.ClaimForwardJobs(ctx, "forwarder-1", 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Attempts)
	assert.Equal(t, types.JobStatusProcessing, first[0].Status)

	second, err := st.ClaimForwardJobs(ctx, "forwarder-2", 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestClaimForwardJobsSkipsDisabledDestination(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	res, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	dest := testDestination(t, st, "paused-pacs", false)
	_, err = st.CreateForwardJob(ctx, res.StudyID, dest.ID, 0, 3)
	require.NoError(t, err)

	jobs, err := st.ClaimForwardJobs(ctx, "forwarder-1", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Re-enabling makes the pending job eligible again
	require.NoError(t, st.SetDestinationEnabled(ctx, "paused-pacs", true))
	jobs, err = st.ClaimForwardJobs(ctx, "forwarder-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCompleteForwardJobMarksStudyAndDestination(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	res, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	dest := testDestination(t, st, "pacs", true)
	_, err = st.CreateForwardJob(ctx, res.StudyID, dest.ID, 0, 3)
	require.NoError(t, err)

	jobs, err := st.ClaimForwardJobs(ctx, "forwarder-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, st.CompleteForwardJob(ctx, jobs[0], 1))

	study, err := st.GetStudy(ctx, res.StudyID)
	require.NoError(t, err)
	assert.Equal(t, types.StudyStatusForwarded, study.Status)
	assert.NotNil(t, study.ForwardedAt)

	got, err := st.GetDestination(ctx, dest.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.NotNil(t, got.LastSuccessAt)
}

func TestFailForwardJobBackoffAndDeadLetter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	res, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	dest := testDestination(t, st, "pacs", true)
	_, err = st.CreateForwardJob(ctx, res.StudyID, dest.ID, 0, 2)
	require.NoError(t, err)

	// First failure backs off 2^0 = 1s and bumps the failure streak
	jobs, err := st.ClaimForwardJobs(ctx, "forwarder-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	jobID := jobs[0].ID
	require.NoError(t, st.FailForwardJob(ctx, jobs[0], 0, 1, "association rejected"))

	var status string
	var backoff float64
	err = st.pool.QueryRow(ctx, `
		SELECT status, extract(epoch FROM (available_at - now()))
		FROM forward_jobs WHERE id = $1`, jobID).Scan(&status, &backoff)
	require.NoError(t, err)
	assert.Equal(t, "pending", status)
	assert.InDelta(t, 1.0, backoff, 0.5)

	got, err := st.GetDestination(ctx, dest.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.NotNil(t, got.LastFailureAt)

	// Exhausting the budget dead-letters the job
	_, err = st.pool.Exec(ctx,
		`UPDATE forward_jobs SET available_at = now() WHERE id = $1`, jobID)
	require.NoError(t, err)
	jobs, err = st.ClaimForwardJobs(ctx, "forwarder-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, st.FailForwardJob(ctx, jobs[0], 0, 1, "association rejected"))

	dead, err := st.ListDeadLetterForwardJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, jobID, dead[0].ID)

	// Replay restores the full attempt budget
	require.NoError(t, st.ReplayForwardJob(ctx, jobID))
	jobs, err = st.ClaimForwardJobs(ctx, "forwarder-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestReplayForwardJobRequiresDeadLetter(t *testing.T) {
	st := testStore(t)
	err := st.ReplayForwardJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepStaleForwardJobsKeepsAttempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	res, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	dest := testDestination(t, st, "pacs", true)
	_, err = st.CreateForwardJob(ctx, res.StudyID, dest.ID, 0, 3)
	require.NoError(t, err)

	jobs, err := st.ClaimForwardJobs(ctx, "forwarder-1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	swept, err := st.SweepStaleForwardJobs(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), swept)

	_, err = st.pool.Exec(ctx,
		`UPDATE forward_jobs SET locked_at = now() - interval '10 minutes' WHERE id = $1`, jobs[0].ID)
	require.NoError(t, err)

	swept, err = st.SweepStaleForwardJobs(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	var status string
	var attempts int
	err = st.pool.QueryRow(ctx,
		`SELECT status, attempts FROM forward_jobs WHERE id = $1`, jobs[0].ID).Scan(&status, &attempts)
	require.NoError(t, err)
	assert.Equal(t, "pending", status)
	assert.Equal(t, 1, attempts)
}

func TestReleaseForwardJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	res, err := st.IngestInstance(ctx, testDescriptor("1.2.3.1.1"), testMeta("/data/a.dcm"))
	require.NoError(t, err)
	dest := testDestination(t, st, "pacs", true)
	_, err = st.CreateForwardJob(ctx, res.StudyID, dest.ID, 0, 3)
	require.NoError(t, err)

	_, err = st.ClaimForwardJobs(ctx, "forwarder-1", 1)
	require.NoError(t, err)

	released, err := st.ReleaseForwardJobs(ctx, "forwarder-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	jobs, err := st.ClaimForwardJobs(ctx, "forwarder-2", 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
