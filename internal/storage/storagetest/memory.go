// Package storagetest provides an in-memory TaskStorage for handler and
// worker tests, so they exercise business logic without a database server.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
)

const (
	maxListLimit  = 100
	maxImageLimit = 500
)

// MemoryStore implements interfaces.TaskStorage over plain maps. Values are
// deep-copied on the way in and out, so callers cannot mutate stored state
// through returned pointers.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*models.AnalysisTask
	images map[string]*models.AnalysisImage

	// Insertion order disambiguates rows created in the same instant.
	taskOrder  []string
	imageOrder []string
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*models.AnalysisTask),
		images: make(map[string]*models.AnalysisImage),
	}
}

var _ interfaces.TaskStorage = (*MemoryStore)(nil)

func cloneTask(task *models.AnalysisTask) *models.AnalysisTask {
	out := *task
	if task.CompletedAt != nil {
		at := *task.CompletedAt
		out.CompletedAt = &at
	}
	if task.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(task.Metadata))
		for k, v := range task.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneSummary(summary *models.AnalysisSummary) *models.AnalysisSummary {
	if summary == nil {
		return nil
	}
	out := *summary
	if summary.Detections != nil {
		out.Detections = make([]models.Detection, len(summary.Detections))
		copy(out.Detections, summary.Detections)
	}
	if summary.Statistics != nil {
		out.Statistics = make(map[string]int, len(summary.Statistics))
		for k, v := range summary.Statistics {
			out.Statistics[k] = v
		}
	}
	return &out
}

func cloneImage(img *models.AnalysisImage) *models.AnalysisImage {
	out := *img
	out.Summary = cloneSummary(img.Summary)
	return &out
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.AnalysisTask) error {
	if task.ID == "" {
		return apperrors.Validation("task ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		s.taskOrder = append(s.taskOrder, task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) getTask(taskID string) (*models.AnalysisTask, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task not found: %s", taskID)
	}
	return task, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.getTask(taskID)
	if err != nil {
		return nil, err
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, limit int) ([]*models.AnalysisTask, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make(map[string]int, len(s.taskOrder))
	for i, id := range s.taskOrder {
		order[id] = i
	}
	tasks := make([]*models.AnalysisTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return order[tasks[i].ID] > order[tasks[j].ID]
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *MemoryStore) UpdateTaskProgress(ctx context.Context, taskID string, update models.TaskProgressUpdate) (*models.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.getTask(taskID)
	if err != nil {
		return nil, err
	}

	if update.ProcessedFiles != nil {
		task.ProcessedFiles = *update.ProcessedFiles
	}
	if update.FailedFiles != nil {
		task.FailedFiles = *update.FailedFiles
	}
	if update.DefectsFound != nil {
		task.DefectsFound = *update.DefectsFound
	}
	if update.Message != nil {
		task.Message = *update.Message
	}
	// Terminal states are permanent.
	if update.Status != nil && !task.Status.IsTerminal() {
		task.Status = *update.Status
		if task.Status.IsTerminal() {
			now := time.Now().UTC()
			task.CompletedAt = &now
		}
	}
	task.UpdatedAt = time.Now().UTC()
	return cloneTask(task), nil
}

func (s *MemoryStore) SetTaskArchives(ctx context.Context, taskID string, archives models.TaskArchives) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.getTask(taskID)
	if err != nil {
		return err
	}

	if archives.OriginalsArchiveFileID != nil {
		task.OriginalsArchiveFileID = *archives.OriginalsArchiveFileID
	}
	if archives.ResultsArchiveFileID != nil {
		task.ResultsArchiveFileID = *archives.ResultsArchiveFileID
	}
	if archives.Metadata != nil {
		task.Metadata = make(map[string]interface{}, len(archives.Metadata))
		for k, v := range archives.Metadata {
			task.Metadata[k] = v
		}
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.getTask(taskID)
	if err != nil {
		return nil, err
	}

	var blobIDs []string
	for _, id := range s.imageOrder {
		img, ok := s.images[id]
		if !ok || img.TaskID != taskID {
			continue
		}
		if img.FileID != "" {
			blobIDs = append(blobIDs, img.FileID)
		}
		if img.ResultFileID != "" {
			blobIDs = append(blobIDs, img.ResultFileID)
		}
		delete(s.images, id)
	}
	if task.OriginalsArchiveFileID != "" {
		blobIDs = append(blobIDs, task.OriginalsArchiveFileID)
	}
	if task.ResultsArchiveFileID != "" {
		blobIDs = append(blobIDs, task.ResultsArchiveFileID)
	}
	delete(s.tasks, taskID)
	return blobIDs, nil
}

func (s *MemoryStore) AddImages(ctx context.Context, images []*models.AnalysisImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range images {
		if img.ID == "" || img.TaskID == "" || img.FileID == "" {
			return apperrors.Validation("image rows require id, task_id and file_id")
		}
	}
	for _, img := range images {
		if _, exists := s.images[img.ID]; !exists {
			s.imageOrder = append(s.imageOrder, img.ID)
		}
		s.images[img.ID] = cloneImage(img)
	}
	return nil
}

// taskImages returns the task's rows ordered by creation time.
func (s *MemoryStore) taskImages(taskID string) []*models.AnalysisImage {
	order := make(map[string]int, len(s.imageOrder))
	for i, id := range s.imageOrder {
		order[id] = i
	}
	var rows []*models.AnalysisImage
	for _, img := range s.images {
		if img.TaskID == taskID {
			rows = append(rows, img)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return order[rows[i].ID] < order[rows[j].ID]
	})
	return rows
}

func (s *MemoryStore) GetTaskImages(ctx context.Context, taskID string, skip, limit int) ([]*models.AnalysisImage, int, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > maxImageLimit {
		limit = maxImageLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.taskImages(taskID)
	total := len(rows)
	if skip >= total {
		return []*models.AnalysisImage{}, total, nil
	}
	rows = rows[skip:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*models.AnalysisImage, 0, len(rows))
	for _, img := range rows {
		out = append(out, cloneImage(img))
	}
	return out, total, nil
}

func (s *MemoryStore) GetPreviewImages(ctx context.Context, taskID string) ([]*models.AnalysisImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AnalysisImage
	for _, img := range s.taskImages(taskID) {
		if img.IsPreview {
			out = append(out, cloneImage(img))
		}
	}
	return out, nil
}

func (s *MemoryStore) getImage(taskID, imageID string) (*models.AnalysisImage, error) {
	img, ok := s.images[imageID]
	if !ok {
		return nil, apperrors.NotFound("image not found: %s", imageID)
	}
	if taskID != "" && img.TaskID != taskID {
		return nil, apperrors.NotFound("image %s does not belong to task %s", imageID, taskID)
	}
	return img, nil
}

func (s *MemoryStore) GetImage(ctx context.Context, taskID, imageID string) (*models.AnalysisImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.getImage(taskID, imageID)
	if err != nil {
		return nil, err
	}
	return cloneImage(img), nil
}

func (s *MemoryStore) UpdateImage(ctx context.Context, imageID string, update models.ImageUpdate) (*models.AnalysisImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.getImage("", imageID)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		img.Status = *update.Status
	}
	if update.Summary != nil {
		img.Summary = cloneSummary(update.Summary)
	}
	if update.IsPreview != nil {
		img.IsPreview = *update.IsPreview
	}
	if update.ResultFileID != nil {
		img.ResultFileID = *update.ResultFileID
	}
	if update.ErrorMessage != nil {
		img.ErrorMessage = *update.ErrorMessage
	}
	img.UpdatedAt = time.Now().UTC()
	return cloneImage(img), nil
}

func (s *MemoryStore) MergeImageSummary(ctx context.Context, imageID string, boxes []models.ManualBox) (*models.AnalysisImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.getImage("", imageID)
	if err != nil {
		return nil, err
	}
	img.Summary = models.MergeManualBoxes(img.Summary, boxes)
	img.UpdatedAt = time.Now().UTC()
	return cloneImage(img), nil
}

func (s *MemoryStore) ReplaceImageDetections(ctx context.Context, imageID string, detections []models.Detection) (*models.AnalysisImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.getImage("", imageID)
	if err != nil {
		return nil, err
	}
	summary := &models.AnalysisSummary{Detections: detections}
	summary.Recount()
	img.Summary = cloneSummary(summary)
	img.UpdatedAt = time.Now().UTC()
	return cloneImage(img), nil
}

func (s *MemoryStore) DeleteImage(ctx context.Context, taskID, imageID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.getImage(taskID, imageID)
	if err != nil {
		return nil, err
	}
	task, err := s.getTask(img.TaskID)
	if err != nil {
		return nil, err
	}

	var blobIDs []string
	if img.FileID != "" {
		blobIDs = append(blobIDs, img.FileID)
	}
	if img.ResultFileID != "" {
		blobIDs = append(blobIDs, img.ResultFileID)
	}
	delete(s.images, imageID)

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
	return blobIDs, nil
}
