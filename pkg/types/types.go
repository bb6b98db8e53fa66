package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Study represents one patient exam, identified globally by its
// Study Instance UID
type Study struct {
	ID                      uuid.UUID
	StudyInstanceUID        string
	PatientID               string
	PatientName             string
	PatientBirthDate        string
	PatientSex              string
	StudyDate               string
	StudyTime               string
	AccessionNumber         string
	StudyDescription        string
	ReferringPhysicianName  string
	InstitutionName         string
	Status                  StudyStatus
	FileCount               int
	TotalSizeBytes          int64
	ForwardedAt             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// StudyStatus represents the lifecycle state of a study
type StudyStatus string

const (
	StudyStatusReceived   StudyStatus = "received"
	StudyStatusProcessing StudyStatus = "processing"
	StudyStatusForwarded  StudyStatus = "forwarded"
	StudyStatusFailed     StudyStatus = "failed"
)

// Series represents one series within a study
type Series struct {
	ID                uuid.UUID
	StudyID           uuid.UUID
	SeriesInstanceUID string
	SeriesNumber      string
	SeriesDate        string
	SeriesTime        string
	SeriesDescription string
	Modality          string
	BodyPartExamined  string
	ProtocolName      string
	InstanceCount     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Instance represents one composite object (SOP Instance) on disk
type Instance struct {
	ID                uuid.UUID
	SeriesID          uuid.UUID
	SOPInstanceUID    string
	SOPClassUID       string
	InstanceNumber    string
	ContentDate       string
	ContentTime       string
	TransferSyntaxUID string
	FilePath          string
	FileSizeBytes     int64
	HasPreamble       bool
	CreatedAt         time.Time
}

// Destination represents a downstream Application Entity that studies
// are forwarded to
type Destination struct {
	ID                  uuid.UUID
	Name                string
	AETitle             string
	Host                string
	Port                int
	MaxPDULength        int
	ConnectTimeout      time.Duration
	AssociationTimeout  time.Duration
	TLSEnabled          bool
	TLSCertFile         string
	TLSKeyFile          string
	TLSCAFile           string
	TLSSkipVerify       bool
	Enabled             bool
	ForwardingRules     *ForwardingRules
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Addr returns the host:port dial address of the destination
func (d *Destination) Addr() string {
	return joinHostPort(d.Host, d.Port)
}

// ForwardingRules is the optional predicate tree attached to a destination.
// A nil tree matches everything. Leaf filters within one node are ANDed;
// All/Any/Not combine child nodes.
type ForwardingRules struct {
	Modalities      []string         `json:"modalities,omitempty" yaml:"modalities,omitempty"`
	CallingAETitles []string         `json:"calling_ae_titles,omitempty" yaml:"calling_ae_titles,omitempty"`
	TimeWindow      *TimeWindow      `json:"time_window,omitempty" yaml:"time_window,omitempty"`
	All             []*ForwardingRules `json:"all,omitempty" yaml:"all,omitempty"`
	Any             []*ForwardingRules `json:"any,omitempty" yaml:"any,omitempty"`
	Not             *ForwardingRules   `json:"not,omitempty" yaml:"not,omitempty"`
}

// TimeWindow restricts forwarding to a daily wall-clock interval.
// Start and End are "HH:MM"; a window may wrap midnight (Start > End).
type TimeWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// JobStatus represents the queue state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// Job types handled by the generic queue
const (
	JobTypeProcessReceivedFile = "process_received_file"
	JobTypeExtractMetadata     = "extract_metadata"
	JobTypeTriggerForward      = "trigger_forward"
)

// Job represents one row in the generic durable job queue
type Job struct {
	ID           uuid.UUID
	JobType      string
	Payload      json.RawMessage
	Status       JobStatus
	Priority     int
	Attempts     int
	MaxAttempts  int
	AvailableAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	WorkerID     *string
	LockedAt     *time.Time
	ErrorMessage string
	Result       json.RawMessage
	RetryAfter   *time.Time
	CreatedAt    time.Time
}

// ForwardJob represents one (study, destination) forwarding unit of work
type ForwardJob struct {
	ID               uuid.UUID
	StudyID          uuid.UUID
	DestinationID    uuid.UUID
	Status           JobStatus
	Priority         int
	Attempts         int
	MaxAttempts      int
	InstancesSent    int
	InstancesFailed  int
	AvailableAt      time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	WorkerID         *string
	LockedAt         *time.Time
	ErrorMessage     string
	CreatedAt        time.Time
}

// IngestEvent records the outcome of one object ingest
type IngestEvent struct {
	ID                uuid.UUID
	StudyID           *uuid.UUID
	SOPInstanceUID    string
	EventType         string
	CallingAETitle    string
	CalledAETitle     string
	SourceIP          string
	Status            string
	ErrorMessage      string
	ReceiveDurationMs int64
	StorageDurationMs int64
	FileSizeBytes     int64
	CreatedAt         time.Time
}

// Ingest event outcomes
const (
	IngestStatusSuccess = "success"
	IngestStatusFailed  = "failed"
)

// AuditEntry records an operator-visible mutation (destination changes,
// dead-letter replays)
type AuditEntry struct {
	ID         uuid.UUID
	Action     string
	EntityType string
	EntityID   string
	Actor      string
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

// WorkerType identifies a scalable worker role
type WorkerType string

const (
	WorkerTypeCatalog   WorkerType = "catalog"
	WorkerTypeForwarder WorkerType = "forwarder"
)

// QueueStats holds pending/processing counts for one queue
type QueueStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	DeadLetter int
}
