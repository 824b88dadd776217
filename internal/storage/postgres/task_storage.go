package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
)

const (
	maxListLimit  = 100
	maxImageLimit = 500
)

const taskColumns = `id, status, route_name, total_files, total_bytes, processed_files,
	failed_files, defects_found, confidence_threshold, preview_limit, message,
	originals_archive_file_id, results_archive_file_id, metadata, created_at,
	updated_at, completed_at`

const imageColumns = `id, task_id, file_id, file_name, file_size, status,
	result_file_id, is_preview, summary, error_message, created_at, updated_at`

const insertTaskSQL = `INSERT INTO analysis_tasks (` + taskColumns + `)
	VALUES (:id, :status, :route_name, :total_files, :total_bytes, :processed_files,
		:failed_files, :defects_found, :confidence_threshold, :preview_limit, :message,
		:originals_archive_file_id, :results_archive_file_id, :metadata, :created_at,
		:updated_at, :completed_at)`

const updateTaskSQL = `UPDATE analysis_tasks SET
	status = :status, route_name = :route_name, total_files = :total_files,
	total_bytes = :total_bytes, processed_files = :processed_files,
	failed_files = :failed_files, defects_found = :defects_found,
	confidence_threshold = :confidence_threshold, preview_limit = :preview_limit,
	message = :message, originals_archive_file_id = :originals_archive_file_id,
	results_archive_file_id = :results_archive_file_id, metadata = :metadata,
	updated_at = :updated_at, completed_at = :completed_at
	WHERE id = :id`

const insertImageSQL = `INSERT INTO analysis_images (` + imageColumns + `)
	VALUES (:id, :task_id, :file_id, :file_name, :file_size, :status,
		:result_file_id, :is_preview, :summary, :error_message, :created_at, :updated_at)`

const updateImageSQL = `UPDATE analysis_images SET
	status = :status, result_file_id = :result_file_id, is_preview = :is_preview,
	summary = :summary, error_message = :error_message, updated_at = :updated_at
	WHERE id = :id`

// taskRow maps analysis_tasks columns; metadata travels as raw JSONB.
type taskRow struct {
	ID                     string     `db:"id"`
	Status                 string     `db:"status"`
	RouteName              string     `db:"route_name"`
	TotalFiles             int        `db:"total_files"`
	TotalBytes             int64      `db:"total_bytes"`
	ProcessedFiles         int        `db:"processed_files"`
	FailedFiles            int        `db:"failed_files"`
	DefectsFound           int        `db:"defects_found"`
	ConfidenceThreshold    float64    `db:"confidence_threshold"`
	PreviewLimit           int        `db:"preview_limit"`
	Message                string     `db:"message"`
	OriginalsArchiveFileID string     `db:"originals_archive_file_id"`
	ResultsArchiveFileID   string     `db:"results_archive_file_id"`
	Metadata               []byte     `db:"metadata"`
	CreatedAt              time.Time  `db:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"`
	CompletedAt            *time.Time `db:"completed_at"`
}

func newTaskRow(task *models.AnalysisTask) (*taskRow, error) {
	row := &taskRow{
		ID:                     task.ID,
		Status:                 string(task.Status),
		RouteName:              task.RouteName,
		TotalFiles:             task.TotalFiles,
		TotalBytes:             task.TotalBytes,
		ProcessedFiles:         task.ProcessedFiles,
		FailedFiles:            task.FailedFiles,
		DefectsFound:           task.DefectsFound,
		ConfidenceThreshold:    task.ConfidenceThreshold,
		PreviewLimit:           task.PreviewLimit,
		Message:                task.Message,
		OriginalsArchiveFileID: task.OriginalsArchiveFileID,
		ResultsArchiveFileID:   task.ResultsArchiveFileID,
		CreatedAt:              task.CreatedAt,
		UpdatedAt:              task.UpdatedAt,
		CompletedAt:            task.CompletedAt,
	}
	if task.Metadata != nil {
		data, err := json.Marshal(task.Metadata)
		if err != nil {
			return nil, apperrors.Internal("failed to encode task metadata", err)
		}
		row.Metadata = data
	}
	return row, nil
}

func (r *taskRow) toModel() (*models.AnalysisTask, error) {
	task := &models.AnalysisTask{
		ID:                     r.ID,
		Status:                 models.AnalysisStatus(r.Status),
		RouteName:              r.RouteName,
		TotalFiles:             r.TotalFiles,
		TotalBytes:             r.TotalBytes,
		ProcessedFiles:         r.ProcessedFiles,
		FailedFiles:            r.FailedFiles,
		DefectsFound:           r.DefectsFound,
		ConfidenceThreshold:    r.ConfidenceThreshold,
		PreviewLimit:           r.PreviewLimit,
		Message:                r.Message,
		OriginalsArchiveFileID: r.OriginalsArchiveFileID,
		ResultsArchiveFileID:   r.ResultsArchiveFileID,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		CompletedAt:            r.CompletedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &task.Metadata); err != nil {
			return nil, apperrors.Internal("failed to decode task metadata", err)
		}
	}
	return task, nil
}

// imageRow maps analysis_images columns; summary travels as raw JSONB.
type imageRow struct {
	ID           string    `db:"id"`
	TaskID       string    `db:"task_id"`
	FileID       string    `db:"file_id"`
	FileName     string    `db:"file_name"`
	FileSize     int64     `db:"file_size"`
	Status       string    `db:"status"`
	ResultFileID string    `db:"result_file_id"`
	IsPreview    bool      `db:"is_preview"`
	Summary      []byte    `db:"summary"`
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func newImageRow(img *models.AnalysisImage) (*imageRow, error) {
	row := &imageRow{
		ID:           img.ID,
		TaskID:       img.TaskID,
		FileID:       img.FileID,
		FileName:     img.FileName,
		FileSize:     img.FileSize,
		Status:       string(img.Status),
		ResultFileID: img.ResultFileID,
		IsPreview:    img.IsPreview,
		ErrorMessage: img.ErrorMessage,
		CreatedAt:    img.CreatedAt,
		UpdatedAt:    img.UpdatedAt,
	}
	if img.Summary != nil {
		data, err := json.Marshal(img.Summary)
		if err != nil {
			return nil, apperrors.Internal("failed to encode image summary", err)
		}
		row.Summary = data
	}
	return row, nil
}

func (r *imageRow) toModel() (*models.AnalysisImage, error) {
	img := &models.AnalysisImage{
		ID:           r.ID,
		TaskID:       r.TaskID,
		FileID:       r.FileID,
		FileName:     r.FileName,
		FileSize:     r.FileSize,
		Status:       models.AnalysisStatus(r.Status),
		ResultFileID: r.ResultFileID,
		IsPreview:    r.IsPreview,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Summary) > 0 {
		img.Summary = &models.AnalysisSummary{}
		if err := json.Unmarshal(r.Summary, img.Summary); err != nil {
			return nil, apperrors.Internal("failed to decode image summary", err)
		}
	}
	return img, nil
}

// TaskStorage implements the TaskStorage interface for Postgres
type TaskStorage struct {
	db     *sqlx.DB
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *DB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db.DB(),
		logger: logger,
	}
}

// withTx runs fn inside one transaction, rolling back on error.
func (s *TaskStorage) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Storage("failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Storage("failed to commit transaction", err)
	}
	return nil
}

func getTaskForUpdate(ctx context.Context, tx *sqlx.Tx, taskID string) (*taskRow, error) {
	var row taskRow
	err := tx.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM analysis_tasks WHERE id = $1 FOR UPDATE`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task not found: %s", taskID)
	}
	if err != nil {
		return nil, apperrors.Storage("failed to get task", err)
	}
	return &row, nil
}

func getImageForUpdate(ctx context.Context, tx *sqlx.Tx, imageID string) (*imageRow, error) {
	var row imageRow
	err := tx.GetContext(ctx, &row,
		`SELECT `+imageColumns+` FROM analysis_images WHERE id = $1 FOR UPDATE`, imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("image not found: %s", imageID)
	}
	if err != nil {
		return nil, apperrors.Storage("failed to get image", err)
	}
	return &row, nil
}

func (s *TaskStorage) CreateTask(ctx context.Context, task *models.AnalysisTask) error {
	if task.ID == "" {
		return apperrors.Validation("task ID is required")
	}
	row, err := newTaskRow(task)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertTaskSQL, row); err != nil {
		return apperrors.Storage("failed to create task", err)
	}
	return nil
}

func (s *TaskStorage) GetTask(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM analysis_tasks WHERE id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task not found: %s", taskID)
	}
	if err != nil {
		return nil, apperrors.Storage("failed to get task", err)
	}
	return row.toModel()
}

func (s *TaskStorage) ListTasks(ctx context.Context, limit int) ([]*models.AnalysisTask, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM analysis_tasks ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.Storage("failed to list tasks", err)
	}

	tasks := make([]*models.AnalysisTask, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *TaskStorage) UpdateTaskProgress(ctx context.Context, taskID string, update models.TaskProgressUpdate) (*models.AnalysisTask, error) {
	var task *models.AnalysisTask
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}

		if update.ProcessedFiles != nil {
			row.ProcessedFiles = *update.ProcessedFiles
		}
		if update.FailedFiles != nil {
			row.FailedFiles = *update.FailedFiles
		}
		if update.DefectsFound != nil {
			row.DefectsFound = *update.DefectsFound
		}
		if update.Message != nil {
			row.Message = *update.Message
		}
		// Terminal states are permanent.
		if update.Status != nil && !models.AnalysisStatus(row.Status).IsTerminal() {
			row.Status = string(*update.Status)
			if models.AnalysisStatus(row.Status).IsTerminal() {
				now := time.Now().UTC()
				row.CompletedAt = &now
			}
		}
		row.UpdatedAt = time.Now().UTC()

		if _, err := tx.NamedExecContext(ctx, updateTaskSQL, row); err != nil {
			return apperrors.Storage("failed to update task", err)
		}
		task, err = row.toModel()
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *TaskStorage) SetTaskArchives(ctx context.Context, taskID string, archives models.TaskArchives) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}

		if archives.OriginalsArchiveFileID != nil {
			row.OriginalsArchiveFileID = *archives.OriginalsArchiveFileID
		}
		if archives.ResultsArchiveFileID != nil {
			row.ResultsArchiveFileID = *archives.ResultsArchiveFileID
		}
		if archives.Metadata != nil {
			data, err := json.Marshal(archives.Metadata)
			if err != nil {
				return apperrors.Internal("failed to encode task metadata", err)
			}
			row.Metadata = data
		}
		row.UpdatedAt = time.Now().UTC()

		if _, err := tx.NamedExecContext(ctx, updateTaskSQL, row); err != nil {
			return apperrors.Storage("failed to update task archives", err)
		}
		return nil
	})
}

func (s *TaskStorage) DeleteTask(ctx context.Context, taskID string) ([]string, error) {
	var blobIDs []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}

		var images []imageRow
		if err := tx.SelectContext(ctx, &images,
			`SELECT `+imageColumns+` FROM analysis_images WHERE task_id = $1`, taskID); err != nil {
			return apperrors.Storage("failed to list task images", err)
		}

		for _, img := range images {
			if img.FileID != "" {
				blobIDs = append(blobIDs, img.FileID)
			}
			if img.ResultFileID != "" {
				blobIDs = append(blobIDs, img.ResultFileID)
			}
		}
		if task.OriginalsArchiveFileID != "" {
			blobIDs = append(blobIDs, task.OriginalsArchiveFileID)
		}
		if task.ResultsArchiveFileID != "" {
			blobIDs = append(blobIDs, task.ResultsArchiveFileID)
		}

		// Image rows cascade with the task row.
		if _, err := tx.ExecContext(ctx, `DELETE FROM analysis_tasks WHERE id = $1`, taskID); err != nil {
			return apperrors.Storage("failed to delete task", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blobIDs, nil
}

func (s *TaskStorage) AddImages(ctx context.Context, images []*models.AnalysisImage) error {
	if len(images) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, img := range images {
			if img.ID == "" || img.TaskID == "" || img.FileID == "" {
				return apperrors.Validation("image rows require id, task_id and file_id")
			}
			row, err := newImageRow(img)
			if err != nil {
				return err
			}
			if _, err := tx.NamedExecContext(ctx, insertImageSQL, row); err != nil {
				return apperrors.Storage("failed to insert image", err)
			}
		}
		return nil
	})
}

func (s *TaskStorage) GetTaskImages(ctx context.Context, taskID string, skip, limit int) ([]*models.AnalysisImage, int, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > maxImageLimit {
		limit = maxImageLimit
	}

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM analysis_images WHERE task_id = $1`, taskID); err != nil {
		return nil, 0, apperrors.Storage("failed to count task images", err)
	}

	var rows []imageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+imageColumns+` FROM analysis_images WHERE task_id = $1
		ORDER BY created_at, id OFFSET $2 LIMIT $3`, taskID, skip, limit)
	if err != nil {
		return nil, 0, apperrors.Storage("failed to list task images", err)
	}

	images := make([]*models.AnalysisImage, 0, len(rows))
	for i := range rows {
		img, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		images = append(images, img)
	}
	return images, total, nil
}

func (s *TaskStorage) GetPreviewImages(ctx context.Context, taskID string) ([]*models.AnalysisImage, error) {
	var rows []imageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+imageColumns+` FROM analysis_images WHERE task_id = $1 AND is_preview
		ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, apperrors.Storage("failed to list preview images", err)
	}

	images := make([]*models.AnalysisImage, 0, len(rows))
	for i := range rows {
		img, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func (s *TaskStorage) GetImage(ctx context.Context, taskID, imageID string) (*models.AnalysisImage, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+imageColumns+` FROM analysis_images WHERE id = $1`, imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("image not found: %s", imageID)
	}
	if err != nil {
		return nil, apperrors.Storage("failed to get image", err)
	}
	if taskID != "" && row.TaskID != taskID {
		return nil, apperrors.NotFound("image %s does not belong to task %s", imageID, taskID)
	}
	return row.toModel()
}

func (s *TaskStorage) UpdateImage(ctx context.Context, imageID string, update models.ImageUpdate) (*models.AnalysisImage, error) {
	var img *models.AnalysisImage
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getImageForUpdate(ctx, tx, imageID)
		if err != nil {
			return err
		}

		if update.Status != nil {
			row.Status = string(*update.Status)
		}
		if update.Summary != nil {
			data, err := json.Marshal(update.Summary)
			if err != nil {
				return apperrors.Internal("failed to encode image summary", err)
			}
			row.Summary = data
		}
		if update.IsPreview != nil {
			row.IsPreview = *update.IsPreview
		}
		if update.ResultFileID != nil {
			row.ResultFileID = *update.ResultFileID
		}
		if update.ErrorMessage != nil {
			row.ErrorMessage = *update.ErrorMessage
		}
		row.UpdatedAt = time.Now().UTC()

		if _, err := tx.NamedExecContext(ctx, updateImageSQL, row); err != nil {
			return apperrors.Storage("failed to update image", err)
		}
		img, err = row.toModel()
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// MergeImageSummary runs the manual-box merge inside one transaction with the
// image row locked, so concurrent merges cannot interleave between read and
// write.
func (s *TaskStorage) MergeImageSummary(ctx context.Context, imageID string, boxes []models.ManualBox) (*models.AnalysisImage, error) {
	var img *models.AnalysisImage
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getImageForUpdate(ctx, tx, imageID)
		if err != nil {
			return err
		}
		current, err := row.toModel()
		if err != nil {
			return err
		}

		merged := models.MergeManualBoxes(current.Summary, boxes)
		data, err := json.Marshal(merged)
		if err != nil {
			return apperrors.Internal("failed to encode image summary", err)
		}
		row.Summary = data
		row.UpdatedAt = time.Now().UTC()

		if _, err := tx.NamedExecContext(ctx, updateImageSQL, row); err != nil {
			return apperrors.Storage("failed to update image summary", err)
		}
		img, err = row.toModel()
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (s *TaskStorage) ReplaceImageDetections(ctx context.Context, imageID string, detections []models.Detection) (*models.AnalysisImage, error) {
	var img *models.AnalysisImage
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getImageForUpdate(ctx, tx, imageID)
		if err != nil {
			return err
		}

		summary := &models.AnalysisSummary{Detections: detections}
		summary.Recount()
		data, err := json.Marshal(summary)
		if err != nil {
			return apperrors.Internal("failed to encode image summary", err)
		}
		row.Summary = data
		row.UpdatedAt = time.Now().UTC()

		if _, err := tx.NamedExecContext(ctx, updateImageSQL, row); err != nil {
			return apperrors.Storage("failed to replace image detections", err)
		}
		img, err = row.toModel()
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (s *TaskStorage) DeleteImage(ctx context.Context, taskID, imageID string) ([]string, error) {
	var blobIDs []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getImageForUpdate(ctx, tx, imageID)
		if err != nil {
			return err
		}
		if taskID != "" && row.TaskID != taskID {
			return apperrors.NotFound("image %s does not belong to task %s", imageID, taskID)
		}
		img, err := row.toModel()
		if err != nil {
			return err
		}

		task, err := getTaskForUpdate(ctx, tx, img.TaskID)
		if err != nil {
			return err
		}

		if img.FileID != "" {
			blobIDs = append(blobIDs, img.FileID)
		}
		if img.ResultFileID != "" {
			blobIDs = append(blobIDs, img.ResultFileID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM analysis_images WHERE id = $1`, imageID); err != nil {
			return apperrors.Storage("failed to delete image", err)
		}

		task.TotalFiles--
		task.TotalBytes -= img.FileSize
		switch img.Status {
		case models.StatusCompleted:
			task.ProcessedFiles--
		case models.StatusFailed:
			task.FailedFiles--
		}
		if img.Summary != nil && img.Summary.HasDefects {
			task.DefectsFound -= img.Summary.DefectsCount
			if task.DefectsFound < 0 {
				task.DefectsFound = 0
			}
		}
		task.UpdatedAt = time.Now().UTC()

		if _, err := tx.NamedExecContext(ctx, updateTaskSQL, task); err != nil {
			return apperrors.Storage("failed to update task totals", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blobIDs, nil
}
