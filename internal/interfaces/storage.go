package interfaces

import (
	"context"

	"github.com/ternarybob/linewatch/internal/models"
)

// TaskStorage - interface for analysis task and image persistence
type TaskStorage interface {
	// Task operations
	CreateTask(ctx context.Context, task *models.AnalysisTask) error
	GetTask(ctx context.Context, taskID string) (*models.AnalysisTask, error)
	ListTasks(ctx context.Context, limit int) ([]*models.AnalysisTask, error)
	UpdateTaskProgress(ctx context.Context, taskID string, update models.TaskProgressUpdate) (*models.AnalysisTask, error)
	SetTaskArchives(ctx context.Context, taskID string, archives models.TaskArchives) error
	// DeleteTask removes the task and its image rows, returning every blob id
	// that should be garbage collected (originals, results, archives).
	DeleteTask(ctx context.Context, taskID string) ([]string, error)

	// Image operations
	AddImages(ctx context.Context, images []*models.AnalysisImage) error
	GetTaskImages(ctx context.Context, taskID string, skip, limit int) ([]*models.AnalysisImage, int, error)
	GetPreviewImages(ctx context.Context, taskID string) ([]*models.AnalysisImage, error)
	// GetImage looks up an image by id; taskID scopes the lookup when non-empty.
	GetImage(ctx context.Context, taskID, imageID string) (*models.AnalysisImage, error)
	UpdateImage(ctx context.Context, imageID string, update models.ImageUpdate) (*models.AnalysisImage, error)
	// MergeImageSummary applies the manual-box merge to an image's summary as a
	// single read-modify-write transaction.
	MergeImageSummary(ctx context.Context, imageID string, boxes []models.ManualBox) (*models.AnalysisImage, error)
	// ReplaceImageDetections swaps the full detection list and recounts.
	ReplaceImageDetections(ctx context.Context, imageID string, detections []models.Detection) (*models.AnalysisImage, error)
	// DeleteImage removes one image row, decrements the task totals, and
	// returns the blob ids to garbage collect.
	DeleteImage(ctx context.Context, taskID, imageID string) ([]string, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	TaskStorage() TaskStorage
	DB() interface{}
	Close() error
}
