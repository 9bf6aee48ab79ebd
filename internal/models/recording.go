package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents the capture lifecycle.
const (
	RecordingStatusRecording = "recording"
	RecordingStatusCompleted = "completed"
	RecordingStatusFailed    = "failed"
	RecordingStatusError     = "error"
)

// UploadStatus represents the transfer lifecycle, independent of the capture status.
const (
	UploadStatusPending   = "pending"
	UploadStatusQueued    = "queued"
	UploadStatusUploading = "uploading"
	UploadStatusUploaded  = "uploaded"
	UploadStatusFailed    = "failed"
	UploadStatusArchived  = "archived"
)

// Upload error codes stored in upload_error_code.
const (
	ErrorCodeFileNotFound       = "FILE_NOT_FOUND"
	ErrorCodeAccessDenied       = "ACCESS_DENIED"
	ErrorCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrorCodeBucketNotFound     = "BUCKET_NOT_FOUND"
	ErrorCodeNetwork            = "NETWORK_ERROR"
	ErrorCodeTimeout            = "TIMEOUT"
	ErrorCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrorCodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	ErrorCodeDuplicate          = "DUPLICATE_RECORDING"
	ErrorCodeUnknown            = "UNKNOWN_ERROR"
)

// Recording is one capture segment and its ledger row.
type Recording struct {
	ID       uuid.UUID `json:"id"`
	CameraID string    `json:"camera_id"`
	Filename string    `json:"filename,omitempty"`

	LocalPath     string `json:"local_path,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	CanonicalPath string `json:"canonical_path,omitempty"`
	RemoteKey     string `json:"remote_key,omitempty"`
	RemoteURL     string `json:"remote_url,omitempty"`
	RemoteETag    string `json:"remote_etag,omitempty"`
	RemoteSize    int64  `json:"remote_size,omitempty"`

	Status       string `json:"status"`
	UploadStatus string `json:"upload_status"`

	UploadAttempts  int        `json:"upload_attempts"`
	UploadProgress  int        `json:"upload_progress"`
	UploadStartedAt *time.Time `json:"upload_started_at,omitempty"`
	UploadedAt      *time.Time `json:"uploaded_at,omitempty"`
	UploadErrorCode string     `json:"upload_error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`

	FileSize  int64          `json:"file_size"`
	Duration  int            `json:"duration"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// SegmentTime returns the best known capture start: start_time when set, created_at otherwise.
func (r *Recording) SegmentTime() time.Time {
	if r.StartTime != nil && !r.StartTime.IsZero() {
		return *r.StartTime
	}
	return r.CreatedAt
}

// IsTerminalUpload reports whether the upload lifecycle has reached uploaded or archived.
func (r *Recording) IsTerminalUpload() bool {
	return r.UploadStatus == UploadStatusUploaded || r.UploadStatus == UploadStatusArchived
}
