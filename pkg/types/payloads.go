package types

import (
	"time"

	"github.com/google/uuid"
)

// ReceivedFilePayload is the payload of a process_received_file job,
// produced by the SCP for every stored object
type ReceivedFilePayload struct {
	FilePath          string    `json:"file_path"`
	SOPInstanceUID    string    `json:"sop_instance_uid"`
	StudyInstanceUID  string    `json:"study_instance_uid"`
	CallingAETitle    string    `json:"calling_ae_title"`
	CalledAETitle     string    `json:"called_ae_title"`
	SourceIP          string    `json:"source_ip,omitempty"`
	ReceiveDurationMs int64     `json:"receive_duration_ms"`
	StorageDurationMs int64     `json:"storage_duration_ms"`
	FileSizeBytes     int64     `json:"file_size_bytes"`
	ReceivedAt        time.Time `json:"received_at"`
}

// TriggerForwardPayload is the payload of a trigger_forward job. An empty
// DestinationIDs list means every enabled destination is a candidate.
type TriggerForwardPayload struct {
	StudyInstanceUID string      `json:"study_instance_uid"`
	DestinationIDs   []uuid.UUID `json:"destination_ids,omitempty"`
	Priority         int         `json:"priority,omitempty"`
}
