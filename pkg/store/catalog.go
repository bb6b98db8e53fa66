package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medwire/dicomgw/pkg/dicomio"
	"github.com/medwire/dicomgw/pkg/types"
)

// IngestMeta carries the non-DICOM facts about one received object
type IngestMeta struct {
	FilePath          string
	FileSizeBytes     int64
	HasPreamble       bool
	CallingAETitle    string
	CalledAETitle     string
	SourceIP          string
	ReceiveDurationMs int64
	StorageDurationMs int64
	ReceivedAt        time.Time
}

// IngestResult reports what the catalog transaction did
type IngestResult struct {
	StudyID     uuid.UUID
	SeriesID    uuid.UUID
	NewInstance bool
}

// IngestInstance runs the catalog transaction for one received object:
// upsert Study and Series, insert the Instance, bump counters only when
// the instance is new, and append the success IngestEvent. Replaying the
// same object is idempotent apart from the extra event row.
func (s *Store) IngestInstance(ctx context.Context, desc *dicomio.Descriptor, meta IngestMeta) (*IngestResult, error) {
	if desc.StudyInstanceUID == "" || desc.SeriesInstanceUID == "" || desc.SOPInstanceUID == "" {
		return nil, fmt.Errorf("descriptor missing identity UIDs (study=%q series=%q sop=%q)",
			desc.StudyInstanceUID, desc.SeriesInstanceUID, desc.SOPInstanceUID)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var studyID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO studies (
			id, study_instance_uid, patient_id, patient_name, patient_birth_date,
			patient_sex, study_date, study_time, accession_number, study_description,
			referring_physician_name, institution_name, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (study_instance_uid) DO UPDATE SET
			status = CASE WHEN studies.status = 'received' THEN 'processing'::text ELSE studies.status END,
			updated_at = now()
		RETURNING id`,
		uuid.New(), desc.StudyInstanceUID, desc.PatientID, desc.PatientName, desc.PatientBirthDate,
		desc.PatientSex, desc.StudyDate, desc.StudyTime, desc.AccessionNumber, desc.StudyDescription,
		desc.ReferringPhysicianName, desc.InstitutionName, string(types.StudyStatusReceived),
	).Scan(&studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert study: %w", err)
	}

	var seriesID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO series (
			id, study_id, series_instance_uid, series_number, series_date,
			series_time, series_description, modality, body_part_examined, protocol_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (series_instance_uid) DO UPDATE SET
			updated_at = now()
		RETURNING id`,
		uuid.New(), studyID, desc.SeriesInstanceUID, desc.SeriesNumber, desc.SeriesDate,
		desc.SeriesTime, desc.SeriesDescription, desc.Modality, desc.BodyPartExamined, desc.ProtocolName,
	).Scan(&seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert series: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO instances (
			id, series_id, sop_instance_uid, sop_class_uid, instance_number,
			content_date, content_time, transfer_syntax_uid, file_path,
			file_size_bytes, has_preamble
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sop_instance_uid) DO NOTHING`,
		uuid.New(), seriesID, desc.SOPInstanceUID, desc.SOPClassUID, desc.InstanceNumber,
		desc.ContentDate, desc.ContentTime, desc.TransferSyntaxUID, meta.FilePath,
		meta.FileSizeBytes, meta.HasPreamble,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert instance: %w", err)
	}
	newInstance := tag.RowsAffected() == 1

	if newInstance {
		if _, err := tx.Exec(ctx, `
			UPDATE studies SET
				file_count = file_count + 1,
				total_size_bytes = total_size_bytes + $2,
				updated_at = now()
			WHERE id = $1`, studyID, meta.FileSizeBytes); err != nil {
			return nil, fmt.Errorf("failed to update study counters: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE series SET
				instance_count = instance_count + 1,
				updated_at = now()
			WHERE id = $1`, seriesID); err != nil {
			return nil, fmt.Errorf("failed to update series counters: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ingest_events (
			id, study_id, sop_instance_uid, event_type, calling_ae_title,
			called_ae_title, source_ip, status, receive_duration_ms,
			storage_duration_ms, file_size_bytes
		) VALUES ($1, $2, $3, 'instance_received', $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New(), studyID, desc.SOPInstanceUID, meta.CallingAETitle,
		meta.CalledAETitle, meta.SourceIP, types.IngestStatusSuccess,
		meta.ReceiveDurationMs, meta.StorageDurationMs, meta.FileSizeBytes,
	); err != nil {
		return nil, fmt.Errorf("failed to insert ingest event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ingest transaction: %w", err)
	}

	return &IngestResult{StudyID: studyID, SeriesID: seriesID, NewInstance: newInstance}, nil
}

// GetStudyByUID loads a study by its Study Instance UID
func (s *Store) GetStudyByUID(ctx context.Context, studyInstanceUID string) (*types.Study, error) {
	return s.scanStudy(s.pool.QueryRow(ctx, studySelect+` WHERE study_instance_uid = $1`, studyInstanceUID))
}

// GetStudy loads a study by surrogate id
func (s *Store) GetStudy(ctx context.Context, id uuid.UUID) (*types.Study, error) {
	return s.scanStudy(s.pool.QueryRow(ctx, studySelect+` WHERE id = $1`, id))
}

const studySelect = `
	SELECT id, study_instance_uid, patient_id, patient_name, patient_birth_date,
		patient_sex, study_date, study_time, accession_number, study_description,
		referring_physician_name, institution_name, status, file_count,
		total_size_bytes, forwarded_at, created_at, updated_at
	FROM studies`

func (s *Store) scanStudy(row pgx.Row) (*types.Study, error) {
	var st types.Study
	err := row.Scan(
		&st.ID, &st.StudyInstanceUID, &st.PatientID, &st.PatientName, &st.PatientBirthDate,
		&st.PatientSex, &st.StudyDate, &st.StudyTime, &st.AccessionNumber, &st.StudyDescription,
		&st.ReferringPhysicianName, &st.InstitutionName, &st.Status, &st.FileCount,
		&st.TotalSizeBytes, &st.ForwardedAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan study: %w", err)
	}
	return &st, nil
}

// markStudyForwarded transitions a study to forwarded. Runs inside the
// forward-job completion transaction.
func markStudyForwarded(ctx context.Context, db execer, id uuid.UUID) error {
	_, err := db.Exec(ctx, `
		UPDATE studies SET status = $2, forwarded_at = now(), updated_at = now()
		WHERE id = $1`, id, string(types.StudyStatusForwarded))
	if err != nil {
		return fmt.Errorf("failed to mark study forwarded: %w", err)
	}
	return nil
}

// StudyModalities returns the distinct modalities across a study's series
func (s *Store) StudyModalities(ctx context.Context, studyID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT modality FROM series
		WHERE study_id = $1 AND modality <> ''`, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query study modalities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("failed to scan modality: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate modalities: %w", err)
	}
	return out, nil
}

// LatestCallingAETitle returns the calling AE of the most recent ingest
// event for the study, or "" when none is recorded
func (s *Store) LatestCallingAETitle(ctx context.Context, studyID uuid.UUID) (string, error) {
	var ae string
	err := s.pool.QueryRow(ctx, `
		SELECT calling_ae_title FROM ingest_events
		WHERE study_id = $1
		ORDER BY created_at DESC LIMIT 1`, studyID).Scan(&ae)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query calling AE: %w", err)
	}
	return ae, nil
}

// InsertIngestEvent writes a single event row outside the batch path.
// Used for failure events that must not wait on the batcher.
func (s *Store) InsertIngestEvent(ctx context.Context, ev *types.IngestEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_events (
			id, study_id, sop_instance_uid, event_type, calling_ae_title,
			called_ae_title, source_ip, status, error_message,
			receive_duration_ms, storage_duration_ms, file_size_bytes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New(), ev.StudyID, ev.SOPInstanceUID, ev.EventType, ev.CallingAETitle,
		ev.CalledAETitle, ev.SourceIP, ev.Status, ev.ErrorMessage,
		ev.ReceiveDurationMs, ev.StorageDurationMs, ev.FileSizeBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ingest event: %w", err)
	}
	return nil
}
