package recordings

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no recording has the requested id.
var ErrNotFound = errors.New("recording not found")

// Condition restricts a conditional update. Empty fields match anything.
type Condition struct {
	UploadStatuses []string
	Statuses       []string
	// UpdatedAt, when set, must equal the row's updated_at exactly.
	UpdatedAt *time.Time
}

// Changes lists the columns an update writes. Nil fields are left untouched.
// updated_at is always bumped.
type Changes struct {
	Status       *string
	UploadStatus *string

	// AttemptsDelta is added to upload_attempts in SQL; ResetAttempts wins over it.
	AttemptsDelta int
	ResetAttempts bool

	UploadProgress       *int
	UploadStartedAt      *time.Time
	ClearUploadStartedAt bool
	UploadedAt           *time.Time
	UploadErrorCode      *string
	ErrorMessage         *string

	Filename      *string
	LocalPath     *string
	FilePath      *string
	CanonicalPath *string
	RemoteKey     *string
	RemoteURL     *string
	RemoteETag    *string
	RemoteSize    *int64

	FileSize   *int64
	Duration   *int
	EndTime    *time.Time
	ArchivedAt *time.Time

	// Metadata is merged into the existing jsonb document.
	Metadata map[string]any

	// KeepUpdatedAt leaves updated_at alone. Used for derived fields so the
	// write does not restart a retry backoff window.
	KeepUpdatedAt bool
}

// Filter selects rows for listing. Zero values are ignored.
type Filter struct {
	UploadStatuses []string
	Statuses       []string
	CameraID       string
	Filename       string
	// Path matches local_path, file_path or canonical_path exactly.
	Path string

	CreatedBefore  time.Time
	UpdatedBefore  time.Time
	UpdatedAfter   time.Time
	UploadedBefore time.Time
	// SegmentAfter/SegmentBefore bound COALESCE(start_time, created_at).
	SegmentAfter  time.Time
	SegmentBefore time.Time

	MinAttempts      int
	MaxAttempts      int
	ExcludeErrorCode string

	// MissingMedia selects rows with duration or file_size not positive.
	MissingMedia bool
	// PathDrift selects rows whose stored path fields disagree.
	PathDrift bool
	// NoFile selects rows with neither a filename nor a stored path.
	NoFile bool

	// ReadyBy keeps rows whose shortest backoff has elapsed at that instant:
	// no attempts yet, or updated_at at least BackoffFloors[attempts] earlier.
	// The last floor covers every higher attempt count.
	ReadyBy       time.Time
	BackoffFloors []time.Duration

	Limit  int
	Offset int
}

// Pointer helpers for building Changes.
func String(s string) *string     { return &s }
func Int(i int) *int              { return &i }
func Int64(i int64) *int64        { return &i }
func Time(t time.Time) *time.Time { return &t }
