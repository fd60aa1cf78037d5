// Package uploads implements the background upload queue: task lifecycle,
// one-at-a-time scheduling, progress reporting and completion handoff.
package uploads

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an upload task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsActive reports whether the task still counts as in flight for display.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusUploading
}

// StorageClass is the S3 storage class requested for an upload.
type StorageClass string

const (
	StorageStandard           StorageClass = "STANDARD"
	StorageReducedRedundancy  StorageClass = "REDUCED_REDUNDANCY"
	StorageStandardIA         StorageClass = "STANDARD_IA"
	StorageOneZoneIA          StorageClass = "ONEZONE_IA"
	StorageIntelligentTiering StorageClass = "INTELLIGENT_TIERING"
	StorageGlacier            StorageClass = "GLACIER"
	StorageDeepArchive        StorageClass = "DEEP_ARCHIVE"
)

// StorageClassOption pairs a class with its display label.
type StorageClassOption struct {
	Value StorageClass
	Label string
}

// StorageClasses lists the selectable classes in display order.
var StorageClasses = []StorageClassOption{
	{StorageStandard, "Standard"},
	{StorageReducedRedundancy, "Reduced Redundancy"},
	{StorageStandardIA, "Standard - Infrequent Access"},
	{StorageOneZoneIA, "One Zone - Infrequent Access"},
	{StorageIntelligentTiering, "Intelligent Tiering"},
	{StorageGlacier, "Glacier"},
	{StorageDeepArchive, "Glacier Deep Archive"},
}

// ParseStorageClass validates a class name. An empty value means STANDARD.
func ParseStorageClass(s string) (StorageClass, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return StorageStandard, nil
	}
	for _, opt := range StorageClasses {
		if string(opt.Value) == s {
			return opt.Value, nil
		}
	}
	return "", fmt.Errorf("unknown storage class %q", s)
}

// NormalisePrefix turns user input into a folder prefix: no leading slash,
// exactly one trailing slash, empty for the root.
func NormalisePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// DestinationKey joins the current prefix, an optional sub-folder typed by the
// user and the file name into the object key the file is uploaded to.
func DestinationKey(basePrefix, subFolder, fileName string) string {
	return NormalisePrefix(basePrefix) + NormalisePrefix(subFolder) + fileName
}

// Task is one file going to one destination key. The queue owns the mutable
// fields once the task has been enqueued.
type Task struct {
	ID             uuid.UUID
	File           File
	DestinationKey string
	StorageClass   StorageClass

	Status           Status
	ProgressPercent  float64
	SpeedBytesPerSec float64
	UploadedBytes    uint64
	TotalBytes       uint64
	Error            string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewTask creates a pending task with a fresh ID.
func NewTask(file File, destinationKey string, class StorageClass) *Task {
	if class == "" {
		class = StorageStandard
	}
	var total uint64
	if file != nil && file.Size() > 0 {
		total = uint64(file.Size())
	}
	return &Task{
		ID:             uuid.New(),
		File:           file,
		DestinationKey: destinationKey,
		StorageClass:   class,
		Status:         StatusPending,
		TotalBytes:     total,
		CreatedAt:      time.Now(),
	}
}

// Snapshot is an immutable copy of a task handed to observers.
type Snapshot struct {
	ID               uuid.UUID    `json:"id"`
	FileName         string       `json:"file_name"`
	DestinationKey   string       `json:"destination_key"`
	StorageClass     StorageClass `json:"storage_class"`
	Status           Status       `json:"status"`
	ProgressPercent  float64      `json:"progress_percent"`
	SpeedBytesPerSec float64      `json:"speed_bytes_per_sec"`
	UploadedBytes    uint64       `json:"uploaded_bytes"`
	TotalBytes       uint64       `json:"total_bytes"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        time.Time    `json:"started_at,omitempty"`
	FinishedAt       time.Time    `json:"finished_at,omitempty"`
}

// Snapshot copies the task's current state.
func (t *Task) Snapshot() Snapshot {
	name := ""
	if t.File != nil {
		name = t.File.Name()
	}
	return Snapshot{
		ID:               t.ID,
		FileName:         name,
		DestinationKey:   t.DestinationKey,
		StorageClass:     t.StorageClass,
		Status:           t.Status,
		ProgressPercent:  t.ProgressPercent,
		SpeedBytesPerSec: t.SpeedBytesPerSec,
		UploadedBytes:    t.UploadedBytes,
		TotalBytes:       t.TotalBytes,
		Error:            t.Error,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		FinishedAt:       t.FinishedAt,
	}
}

// CompletedUpload is what remains of a task after it finished successfully.
// It lives with the view layer until a listing refresh contains the key.
type CompletedUpload struct {
	TaskID         uuid.UUID    `json:"task_id"`
	DestinationKey string       `json:"destination_key"`
	FileName       string       `json:"file_name"`
	Size           uint64       `json:"size"`
	StorageClass   StorageClass `json:"storage_class"`
}
