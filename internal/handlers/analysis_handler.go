package handlers

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/imaging"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
)

const (
	multipartMemoryLimit = 64 << 20
	thumbnailMaxSide     = 400
	maxRouteNameLength   = 250
)

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".tif": true, ".tiff": true, ".bmp": true,
	".dng": true, ".raw": true, ".nef": true,
	".cr2": true, ".arw": true,
}

var archiveExtensions = map[string]bool{
	".zip": true, ".tar": true,
}

// AnalysisHandler serves the batch analysis API: intake, task queries,
// annotation and deletion.
type AnalysisHandler struct {
	storage   interfaces.TaskStorage
	files     interfaces.FileGateway
	detector  interfaces.DetectorGateway
	annotator interfaces.AnnotatorGateway
	publisher interfaces.TaskPublisher
	config    *common.Config
	validate  *validator.Validate
	logger    arbor.ILogger
}

// NewAnalysisHandler creates the analysis API handler.
func NewAnalysisHandler(storage interfaces.TaskStorage, files interfaces.FileGateway, detector interfaces.DetectorGateway, annotator interfaces.AnnotatorGateway, publisher interfaces.TaskPublisher, config *common.Config, logger arbor.ILogger) *AnalysisHandler {
	return &AnalysisHandler{
		storage:   storage,
		files:     files,
		detector:  detector,
		annotator: annotator,
		publisher: publisher,
		config:    config,
		validate:  validator.New(),
		logger:    logger,
	}
}

// BatchPredictHandler accepts a multipart batch submission and enqueues one
// analysis task.
// POST /api/predict/batch?conf=0.35&preview_limit=10&route_name=line-42
func (h *AnalysisHandler) BatchPredictHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	conf := h.config.Analysis.DefaultConfidence
	if raw := r.URL.Query().Get("conf"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			WriteError(w, http.StatusBadRequest, "conf must be between 0 and 1")
			return
		}
		conf = parsed
	}

	previewLimit := h.config.Analysis.PreviewLimit
	if raw := r.URL.Query().Get("preview_limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 10 {
			WriteError(w, http.StatusUnprocessableEntity, "preview_limit must be between 1 and 10")
			return
		}
		previewLimit = parsed
	}

	routeName := r.URL.Query().Get("route_name")
	if len(routeName) > maxRouteNameLength {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("route_name must be at most %d characters", maxRouteNameLength))
		return
	}

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	fileHeaders := r.MultipartForm.File["files"]
	if err := h.validateBatch(fileHeaders); err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	var totalBytes int64
	for _, header := range fileHeaders {
		totalBytes += header.Size
	}

	task := models.NewAnalysisTask(len(fileHeaders), totalBytes, conf, previewLimit, routeName)
	if err := h.storage.CreateTask(ctx, task); err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	previewCount := h.config.Analysis.UploadPreviewLimit
	if previewCount > previewLimit {
		previewCount = previewLimit
	}
	if previewCount > len(fileHeaders) {
		previewCount = len(fileHeaders)
	}

	if err := h.storePreviewFiles(ctx, task, fileHeaders[:previewCount]); err != nil {
		h.failIntake(ctx, task.ID, err)
		WriteAppError(w, h.logger, r, err)
		return
	}
	if len(fileHeaders) > previewCount {
		if err := h.storeStagingArchive(ctx, task, fileHeaders[previewCount:]); err != nil {
			h.failIntake(ctx, task.ID, err)
			WriteAppError(w, h.logger, r, err)
			return
		}
	}

	// Rows and blobs are all in place; only now hand the task to a worker.
	msg := models.TaskMessage{
		TaskID:              task.ID,
		ConfidenceThreshold: conf,
		PreviewLimit:        previewLimit,
	}
	if err := h.publisher.PublishTask(ctx, msg); err != nil {
		h.failIntake(ctx, task.ID, err)
		WriteAppError(w, h.logger, r, err)
		return
	}

	h.logger.Info().
		Str("task_id", task.ID).
		Int("files", len(fileHeaders)).
		Int64("bytes", totalBytes).
		Msg("Batch submission accepted")

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(models.StatusQueued),
	})
}

func (h *AnalysisHandler) validateBatch(fileHeaders []*multipart.FileHeader) error {
	if len(fileHeaders) == 0 {
		return apperrors.Validation("no files provided")
	}
	if len(fileHeaders) > h.config.Analysis.MaxBatchFiles {
		return apperrors.Validation("too many files: %d exceeds limit of %d", len(fileHeaders), h.config.Analysis.MaxBatchFiles)
	}

	var totalBytes int64
	for _, header := range fileHeaders {
		ext := strings.ToLower(filepath.Ext(header.Filename))
		if archiveExtensions[ext] {
			return apperrors.Validation("archives are not accepted: %s", header.Filename)
		}
		if !allowedExtensions[ext] {
			return apperrors.Validation("unsupported file type: %s", header.Filename)
		}
		totalBytes += header.Size
	}
	if totalBytes > h.config.Analysis.MaxBatchSizeBytes {
		return apperrors.Validation("batch size %d bytes exceeds limit of %d", totalBytes, h.config.Analysis.MaxBatchSizeBytes)
	}
	return nil
}

// storePreviewFiles uploads the preview subset individually addressable and
// registers their image rows.
func (h *AnalysisHandler) storePreviewFiles(ctx context.Context, task *models.AnalysisTask, fileHeaders []*multipart.FileHeader) error {
	if len(fileHeaders) == 0 {
		return nil
	}

	items := make([]interfaces.BatchUploadItem, 0, len(fileHeaders))
	for _, header := range fileHeaders {
		file, err := header.Open()
		if err != nil {
			return apperrors.Internal("failed to read uploaded file", err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return apperrors.Internal("failed to read uploaded file", err)
		}
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		items = append(items, interfaces.BatchUploadItem{
			FileName:    header.Filename,
			ContentType: contentType,
			Data:        data,
		})
	}

	results, err := h.files.BatchUpload(ctx, items, task.ID, interfaces.FileTypeOriginal)
	if err != nil {
		return err
	}

	var rows []*models.AnalysisImage
	for _, result := range results {
		if result.Stored == nil {
			h.logger.Warn().Str("task_id", task.ID).Str("file", result.FileName).Str("error", result.Error).Msg("Preview file rejected by blob storage")
			continue
		}
		rows = append(rows, models.NewAnalysisImage(task.ID, result.Stored.ID, result.FileName, result.Stored.FileSize))
	}
	if len(rows) == 0 {
		return apperrors.Upstream(http.StatusBadGateway, "blob storage rejected every preview file")
	}
	return h.storage.AddImages(ctx, rows)
}

// storeStagingArchive streams the bulk files into one deflated ZIP on disk
// and uploads it as the task's staging archive.
func (h *AnalysisHandler) storeStagingArchive(ctx context.Context, task *models.AnalysisTask, fileHeaders []*multipart.FileHeader) error {
	staging, err := os.CreateTemp("", "linewatch-intake-*.zip")
	if err != nil {
		return apperrors.Internal("failed to create staging archive", err)
	}
	defer func() {
		staging.Close()
		os.Remove(staging.Name())
	}()

	zw := zip.NewWriter(staging)
	for _, header := range fileHeaders {
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.Base(header.Filename),
			Method: zip.Deflate,
		})
		if err != nil {
			return apperrors.Internal("failed to build staging archive", err)
		}
		file, err := header.Open()
		if err != nil {
			return apperrors.Internal("failed to read uploaded file", err)
		}
		_, err = io.Copy(entry, file)
		file.Close()
		if err != nil {
			return apperrors.Internal("failed to build staging archive", err)
		}
	}
	if err := zw.Close(); err != nil {
		return apperrors.Internal("failed to finalize staging archive", err)
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return apperrors.Internal("failed to rewind staging archive", err)
	}

	name := fmt.Sprintf("%s_temp_uploaded_archive.zip", task.ID)
	stored, err := h.files.UploadStream(ctx, name, "application/zip", staging, task.ID, interfaces.FileTypeArchive)
	if err != nil {
		return err
	}

	return h.storage.SetTaskArchives(ctx, task.ID, models.TaskArchives{
		OriginalsArchiveFileID: models.Str(stored.ID),
	})
}

// failIntake marks a half-created task failed so it does not linger queued.
func (h *AnalysisHandler) failIntake(ctx context.Context, taskID string, cause error) {
	_, err := h.storage.UpdateTaskProgress(ctx, taskID, models.TaskProgressUpdate{
		Status:  models.Status(models.StatusFailed),
		Message: models.Str(apperrors.PublicMessage(cause)),
	})
	if err != nil {
		h.logger.Error().Str("task_id", taskID).Err(err).Msg("Failed to mark aborted intake")
	}
}

// PredictHandler runs a single image through the detector without creating a
// task.
// POST /api/predict?conf=0.35
func (h *AnalysisHandler) PredictHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	conf := h.config.Analysis.DefaultConfidence
	if raw := r.URL.Query().Get("conf"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			WriteError(w, http.StatusBadRequest, "conf must be between 0 and 1")
			return
		}
		conf = parsed
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	summary, err := h.detector.Predict(r.Context(), header.Filename, data, contentType, conf)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// GetTaskHandler returns the full task DTO including its preview rows.
// GET /api/analysis/tasks/{id}
func (h *AnalysisHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()

	task, err := h.storage.GetTask(ctx, taskID)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}
	previews, err := h.storage.GetPreviewImages(ctx, taskID)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"task":           task,
		"preview_images": previews,
	})
}

// HistoryHandler returns the most recent tasks, newest first.
// GET /api/analysis/history?limit=50
func (h *AnalysisHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := QueryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	tasks, err := h.storage.ListTasks(r.Context(), limit)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, map[string]interface{}{
			"id":              task.ID,
			"status":          task.Status,
			"route_name":      task.RouteName,
			"total_files":     task.TotalFiles,
			"processed_files": task.ProcessedFiles,
			"failed_files":    task.FailedFiles,
			"defects_found":   task.DefectsFound,
			"message":         task.Message,
			"created_at":      task.CreatedAt,
			"completed_at":    task.CompletedAt,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": items,
		"count": len(items),
	})
}

// taskImageDTO is an image row plus its optional inline thumbnail.
type taskImageDTO struct {
	*models.AnalysisImage
	Thumbnail string `json:"thumbnail,omitempty"`
}

// TaskImagesHandler returns one page of a task's image rows.
// GET /api/analysis/tasks/{id}/images?skip=0&limit=100&include_thumbnails=true
func (h *AnalysisHandler) TaskImagesHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()

	skip := QueryInt(r, "skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit := QueryInt(r, "limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	images, total, err := h.storage.GetTaskImages(ctx, taskID, skip, limit)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	items := make([]taskImageDTO, 0, len(images))
	for _, img := range images {
		items = append(items, taskImageDTO{AnalysisImage: img})
	}

	if QueryBool(r, "include_thumbnails") {
		h.attachThumbnails(ctx, items)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"images": items,
		"total":  total,
		"skip":   skip,
		"limit":  limit,
	})
}

// attachThumbnails batch-downloads the page's result blobs and inlines scaled
// JPEG thumbnails. Failures leave the thumbnail empty.
func (h *AnalysisHandler) attachThumbnails(ctx context.Context, items []taskImageDTO) {
	var fileIDs []string
	for _, item := range items {
		if item.ResultFileID != "" {
			fileIDs = append(fileIDs, item.ResultFileID)
		}
	}
	if len(fileIDs) == 0 {
		return
	}

	downloaded, err := h.files.BatchDownload(ctx, fileIDs)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Thumbnail batch download failed")
		return
	}
	byID := make(map[string][]byte, len(downloaded))
	for _, file := range downloaded {
		byID[file.FileID] = file.Data
	}

	for i := range items {
		data, ok := byID[items[i].ResultFileID]
		if !ok {
			continue
		}
		thumb, err := imaging.Thumbnail(data, thumbnailMaxSide)
		if err != nil {
			h.logger.Warn().Str("image_id", items[i].ID).Err(err).Msg("Thumbnail generation failed")
			continue
		}
		items[i].Thumbnail = base64.StdEncoding.EncodeToString(thumb)
	}
}

// DeleteTaskHandler removes a task with its image rows and garbage-collects
// every referenced blob.
// DELETE /api/analysis/tasks/{id}
func (h *AnalysisHandler) DeleteTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	blobIDs, err := h.storage.DeleteTask(r.Context(), taskID)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}
	h.collectBlobs(r.Context(), blobIDs)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteImageHandler removes one image row and garbage-collects its blobs.
// DELETE /api/analysis/tasks/{id}/images/{image_id}
func (h *AnalysisHandler) DeleteImageHandler(w http.ResponseWriter, r *http.Request, taskID, imageID string) {
	blobIDs, err := h.storage.DeleteImage(r.Context(), taskID, imageID)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}
	h.collectBlobs(r.Context(), blobIDs)
	w.WriteHeader(http.StatusNoContent)
}

// collectBlobs deletes blobs best-effort. The rows are already gone, so a
// failed delete only leaks storage and is logged.
func (h *AnalysisHandler) collectBlobs(ctx context.Context, blobIDs []string) {
	for _, id := range blobIDs {
		if err := h.files.Delete(ctx, id); err != nil {
			h.logger.Warn().Str("file_id", id).Err(err).Msg("Blob cleanup failed")
		}
	}
}

// annotateRequest is the manual annotation payload.
type annotateRequest struct {
	Bboxes    []models.ManualBox `json:"bboxes" validate:"required,min=1,dive"`
	ProjectID string             `json:"project_id"`
	FileType  string             `json:"file_type"`
}

// AnnotateHandler burns user-drawn boxes into an image through the annotation
// collaborator and merges them into the stored summary.
// POST /api/analysis/tasks/{id}/images/{image_id}/annotate
func (h *AnalysisHandler) AnnotateHandler(w http.ResponseWriter, r *http.Request, taskID, imageID string) {
	ctx := r.Context()

	var req annotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, "bboxes must contain at least one box with positive dimensions")
		return
	}

	img, err := h.storage.GetImage(ctx, taskID, imageID)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	// Annotate on top of the previous result when one exists, so repeated
	// annotation does not lose the rendered detections.
	target := img.ResultFileID
	if target == "" {
		target = img.FileID
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = taskID
	}
	fileType := req.FileType
	if fileType == "" {
		fileType = interfaces.FileTypePreview
	}

	result, err := h.annotator.Annotate(ctx, target, req.Bboxes, projectID, fileType)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	if _, err := h.storage.UpdateImage(ctx, imageID, models.ImageUpdate{
		ResultFileID: models.Str(result.FileID),
	}); err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}
	updated, err := h.storage.MergeImageSummary(ctx, imageID, req.Bboxes)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"image":    updated,
		"file_id":  result.FileID,
		"filename": result.Filename,
	})
}

// metricsRequest replaces an image's detection list wholesale.
type metricsRequest struct {
	Detections []models.Detection `json:"detections" validate:"required"`
}

// MetricsHandler overwrites an image's detections with a client-edited list
// and recounts the aggregates.
// POST /api/analysis/tasks/{id}/images/{image_id}/metrics
func (h *AnalysisHandler) MetricsHandler(w http.ResponseWriter, r *http.Request, taskID, imageID string) {
	ctx := r.Context()

	var req metricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Detections == nil {
		WriteError(w, http.StatusBadRequest, "detections is required")
		return
	}

	// Scope check before the unscoped update.
	if _, err := h.storage.GetImage(ctx, taskID, imageID); err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}

	updated, err := h.storage.ReplaceImageDetections(ctx, imageID, req.Detections)
	if err != nil {
		WriteAppError(w, h.logger, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"image": updated})
}
