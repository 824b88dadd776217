package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisStatus represents the state of an analysis task or image.
// The path is monotonic: queued -> processing -> completed | failed.
type AnalysisStatus string

const (
	StatusQueued     AnalysisStatus = "queued"
	StatusProcessing AnalysisStatus = "processing"
	StatusCompleted  AnalysisStatus = "completed"
	StatusFailed     AnalysisStatus = "failed"
)

// IsTerminal reports whether the status is permanent.
func (s AnalysisStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AnalysisTask is one batch submission: a durable state machine over a set of
// image rows. Created by the intake API in queued state; mutated exclusively by
// the worker that dequeued it; terminal states are permanent.
type AnalysisTask struct {
	ID        string         `json:"id"`
	Status    AnalysisStatus `json:"status"`
	RouteName string         `json:"route_name,omitempty"`

	TotalFiles     int   `json:"total_files"`
	TotalBytes     int64 `json:"total_bytes"`
	ProcessedFiles int   `json:"processed_files"`
	FailedFiles    int   `json:"failed_files"`
	DefectsFound   int   `json:"defects_found"`

	ConfidenceThreshold float64 `json:"confidence_threshold"`
	PreviewLimit        int     `json:"preview_limit"`
	Message             string  `json:"message,omitempty"`

	// OriginalsArchiveFileID is the staging archive holding the bulk files at
	// intake. The worker deletes the blob after unpacking.
	OriginalsArchiveFileID string `json:"originals_archive_file_id,omitempty"`
	// ResultsArchiveFileID points at the annotated output archive. Set when the
	// task completes, and also on partial failure when any outputs exist.
	ResultsArchiveFileID string `json:"results_archive_file_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewAnalysisTask creates a queued task with intake totals.
func NewAnalysisTask(totalFiles int, totalBytes int64, threshold float64, previewLimit int, routeName string) *AnalysisTask {
	now := time.Now().UTC()
	return &AnalysisTask{
		ID:                  uuid.New().String(),
		Status:              StatusQueued,
		RouteName:           routeName,
		TotalFiles:          totalFiles,
		TotalBytes:          totalBytes,
		ConfidenceThreshold: threshold,
		PreviewLimit:        previewLimit,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// AnalysisImage is the durable record for one file within a task. Rows for the
// preview subset are created at intake; bulk rows are created by the worker
// while it unpacks the staging archive.
type AnalysisImage struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	// FileID is the original blob in the files service. Never empty.
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`

	Status AnalysisStatus `json:"status"`
	// ResultFileID is the annotated preview blob. Only the worker sets it, and
	// IsPreview is only set once a result blob exists.
	ResultFileID string           `json:"result_file_id,omitempty"`
	IsPreview    bool             `json:"is_preview"`
	Summary      *AnalysisSummary `json:"summary,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAnalysisImage creates a queued image row for a stored original.
func NewAnalysisImage(taskID, fileID, fileName string, fileSize int64) *AnalysisImage {
	now := time.Now().UTC()
	return &AnalysisImage{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		FileID:    fileID,
		FileName:  fileName,
		FileSize:  fileSize,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TaskProgressUpdate is a partial update applied to a task row. Nil fields are
// left untouched. Setting a terminal status stamps CompletedAt.
type TaskProgressUpdate struct {
	ProcessedFiles *int
	FailedFiles    *int
	DefectsFound   *int
	Status         *AnalysisStatus
	Message        *string
}

// ImageUpdate is a partial update applied to an image row.
type ImageUpdate struct {
	Status       *AnalysisStatus
	Summary      *AnalysisSummary
	IsPreview    *bool
	ResultFileID *string
	ErrorMessage *string
}

// TaskArchives updates the archive references and result metadata on a task.
type TaskArchives struct {
	OriginalsArchiveFileID *string
	ResultsArchiveFileID   *string
	Metadata               map[string]interface{}
}

// Int returns a pointer to v, for building partial updates.
func Int(v int) *int { return &v }

// Str returns a pointer to v, for building partial updates.
func Str(v string) *string { return &v }

// Bool returns a pointer to v, for building partial updates.
func Bool(v bool) *bool { return &v }

// Status returns a pointer to v, for building partial updates.
func Status(v AnalysisStatus) *AnalysisStatus { return &v }
