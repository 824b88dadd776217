package workers

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/imaging"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
)

// progressInterval is how many finished files pass between progress events.
// The first and the final file always publish.
const progressInterval = 100

// AnalysisWorker consumes task messages and drives a batch through download,
// detection, annotation rendering, and archive assembly. Per-file failures are
// recorded and skipped; only the terminal task status reflects them.
type AnalysisWorker struct {
	storage  interfaces.TaskStorage
	files    interfaces.FileGateway
	detector interfaces.DetectorGateway
	queue    interfaces.QueueService
	config   common.AnalysisConfig
	logger   arbor.ILogger
}

// NewAnalysisWorker wires a worker over its collaborators.
func NewAnalysisWorker(storage interfaces.TaskStorage, files interfaces.FileGateway, detector interfaces.DetectorGateway, queue interfaces.QueueService, config common.AnalysisConfig, logger arbor.ILogger) *AnalysisWorker {
	return &AnalysisWorker{
		storage:  storage,
		files:    files,
		detector: detector,
		queue:    queue,
		config:   config,
		logger:   logger,
	}
}

// Run blocks consuming the work queue until ctx is cancelled.
func (w *AnalysisWorker) Run(ctx context.Context) error {
	w.logger.Info().Msg("Analysis worker consuming task queue")
	return w.queue.ConsumeTasks(ctx, w.HandleDelivery)
}

// HandleDelivery processes one work-queue message. It always returns nil for
// messages that reference a known task: failures are recorded on the task row,
// and acking keeps a poison task from looping through the queue.
func (w *AnalysisWorker) HandleDelivery(ctx context.Context, delivery interfaces.TaskDelivery) error {
	msg := delivery.Message
	log := w.logger.WithCorrelationId(msg.TaskID)

	task, err := w.storage.GetTask(ctx, msg.TaskID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			log.Warn().Str("task_id", msg.TaskID).Msg("Dropping message for unknown task")
			return nil
		}
		return err
	}

	if task.Status.IsTerminal() {
		log.Warn().Str("task_id", task.ID).Str("status", string(task.Status)).Msg("Dropping message for finished task")
		return nil
	}

	// A redelivery for a task that already left the queued state means a
	// previous worker died mid-batch. Blob state is unknown at that point, so
	// the task fails instead of restarting.
	if delivery.Redelivered && task.Status != models.StatusQueued {
		log.Warn().Str("task_id", task.ID).Msg("Redelivered task was already in progress, marking failed")
		w.finishTask(ctx, task.ID, &taskRun{
			task:      task,
			processed: task.ProcessedFiles,
			failed:    task.TotalFiles - task.ProcessedFiles,
			defects:   task.DefectsFound,
		}, models.StatusFailed, "Задача завершилась с ошибками")
		return nil
	}

	// The task row carries the threshold exactly as intake resolved it; zero is
	// a legitimate value and must reach the detector unchanged.
	run := &taskRun{
		task:         task,
		confidence:   task.ConfidenceThreshold,
		previewLimit: msg.PreviewLimit,
		classStats:   make(map[string]int),
	}
	if run.previewLimit <= 0 {
		run.previewLimit = task.PreviewLimit
	}
	if run.previewLimit <= 0 {
		run.previewLimit = w.config.PreviewLimit
	}

	if err := w.process(ctx, run); err != nil {
		log.Error().Str("task_id", task.ID).Err(err).Msg("Task processing failed")
		w.finishTask(ctx, task.ID, run, models.StatusFailed, apperrors.PublicMessage(err))
		return nil
	}

	status := models.StatusCompleted
	message := "Завершено"
	if run.failed > 0 {
		status = models.StatusFailed
		message = "Задача завершилась с ошибками"
	}
	w.finishTask(ctx, task.ID, run, status, message)

	log.Info().
		Str("task_id", task.ID).
		Str("status", string(status)).
		Int("processed", run.processed).
		Int("failed", run.failed).
		Int("defects", run.defects).
		Msg("Task finished")
	return nil
}

// taskRun carries the mutable state of one batch through the pipeline.
type taskRun struct {
	task         *models.AnalysisTask
	confidence   float64
	previewLimit int

	processed    int
	failed       int
	defects      int
	totalObjects int
	classStats   map[string]int

	archive        *ResultsArchive
	defectPreviews []previewCandidate
	normalPreviews []previewCandidate
}

// previewCandidate holds one annotated image kept in memory for preview
// promotion. Both queues are capped at the preview limit, so at most twice
// that many annotated images are retained.
type previewCandidate struct {
	imageID  string
	fileName string
	data     []byte
}

func (r *taskRun) finished() int { return r.processed + r.failed }

func (w *AnalysisWorker) process(ctx context.Context, run *taskRun) error {
	task := run.task

	if task.TotalFiles == 0 {
		return apperrors.Validation("Нет файлов для обработки")
	}

	if err := w.updateProgress(ctx, run, models.StatusProcessing, "Обработка изображений"); err != nil {
		return err
	}

	archive, err := NewResultsArchive()
	if err != nil {
		return err
	}
	run.archive = archive
	defer archive.Cleanup()

	if err := w.processPreviewRows(ctx, run); err != nil {
		return err
	}
	if task.OriginalsArchiveFileID != "" {
		if err := w.processStagingArchive(ctx, run); err != nil {
			return err
		}
	}

	w.promotePreviews(ctx, run)

	if err := w.uploadResults(ctx, run); err != nil {
		return err
	}
	w.deleteStagingBlob(ctx, run)
	return nil
}

// processPreviewRows runs the image rows created at intake. Their originals
// are fetched in one batch download, falling back to individual downloads for
// anything the batch response is missing.
func (w *AnalysisWorker) processPreviewRows(ctx context.Context, run *taskRun) error {
	images, _, err := w.storage.GetTaskImages(ctx, run.task.ID, 0, w.config.UploadPreviewLimit)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return nil
	}

	fileIDs := make([]string, 0, len(images))
	for _, img := range images {
		fileIDs = append(fileIDs, img.FileID)
	}

	downloaded := make(map[string][]byte)
	if batch, err := w.files.BatchDownload(ctx, fileIDs); err != nil {
		w.logger.Warn().Str("task_id", run.task.ID).Err(err).Msg("Batch download failed, falling back to per-file downloads")
	} else {
		for _, file := range batch {
			downloaded[file.FileID] = file.Data
		}
	}

	for _, img := range images {
		data, ok := downloaded[img.FileID]
		if !ok {
			var err error
			data, err = w.files.Download(ctx, img.FileID)
			if err != nil {
				w.failImage(ctx, run, img.ID, fmt.Sprintf("download failed: %s", apperrors.PublicMessage(err)))
				w.publishCadence(ctx, run)
				continue
			}
		}
		w.processImage(ctx, run, img, data)
		w.publishCadence(ctx, run)
	}
	return nil
}

// processStagingArchive unpacks the bulk staging archive and runs its files in
// chunks: each chunk is batch-uploaded, registered as image rows, then run
// through detection. A chunk whose upload request fails is counted as failed
// in full and skipped.
func (w *AnalysisWorker) processStagingArchive(ctx context.Context, run *taskRun) error {
	staging, err := os.CreateTemp("", "linewatch-staging-*.zip")
	if err != nil {
		return apperrors.Internal("failed to create staging file", err)
	}
	stagingPath := staging.Name()
	defer os.Remove(stagingPath)

	if err := w.files.DownloadTo(ctx, run.task.OriginalsArchiveFileID, staging); err != nil {
		staging.Close()
		return err
	}
	if err := staging.Close(); err != nil {
		return apperrors.Internal("failed to flush staging file", err)
	}

	reader, entries, err := OpenStagingArchive(stagingPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	chunkSize := w.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = progressInterval
	}

	for start := 0; start < len(entries); start += chunkSize {
		end := start + chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		w.processChunk(ctx, run, entries[start:end])
	}
	return nil
}

func (w *AnalysisWorker) processChunk(ctx context.Context, run *taskRun, chunk []StagingEntry) {
	items := make([]interfaces.BatchUploadItem, 0, len(chunk))
	for _, entry := range chunk {
		rc, err := entry.Open()
		if err != nil {
			run.failed++
			w.logger.Warn().Str("file", entry.FileName).Err(err).Msg("Skipping unreadable archive entry")
			w.publishCadence(ctx, run)
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			run.failed++
			w.logger.Warn().Str("file", entry.FileName).Err(err).Msg("Skipping unreadable archive entry")
			w.publishCadence(ctx, run)
			continue
		}
		items = append(items, interfaces.BatchUploadItem{
			FileName:    entry.FileName,
			ContentType: contentTypeFor(entry.FileName),
			Data:        data,
		})
	}
	if len(items) == 0 {
		return
	}

	results, err := w.files.BatchUpload(ctx, items, run.task.ID, interfaces.FileTypeOriginal)
	if err != nil {
		run.failed += len(items)
		w.logger.Error().Str("task_id", run.task.ID).Int("files", len(items)).Err(err).Msg("Chunk upload failed, skipping chunk")
		w.publishCadence(ctx, run)
		return
	}
	if len(results) != len(items) {
		run.failed += len(items)
		w.logger.Error().Str("task_id", run.task.ID).Int("want", len(items)).Int("got", len(results)).Msg("Chunk upload returned mismatched results, skipping chunk")
		w.publishCadence(ctx, run)
		return
	}

	// Rows stay paired with their payloads by upload index. Base names are not
	// unique inside an archive, so they cannot key this association.
	type chunkFile struct {
		row  *models.AnalysisImage
		data []byte
	}
	var files []chunkFile
	for i, result := range results {
		if result.Stored == nil {
			run.failed++
			w.logger.Warn().Str("file", result.FileName).Str("error", result.Error).Msg("File rejected by blob storage")
			continue
		}
		row := models.NewAnalysisImage(run.task.ID, result.Stored.ID, result.FileName, result.Stored.FileSize)
		files = append(files, chunkFile{row: row, data: items[i].Data})
	}
	if len(files) > 0 {
		rows := make([]*models.AnalysisImage, 0, len(files))
		for _, f := range files {
			rows = append(rows, f.row)
		}
		if err := w.storage.AddImages(ctx, rows); err != nil {
			run.failed += len(rows)
			w.logger.Error().Str("task_id", run.task.ID).Err(err).Msg("Failed to register chunk images")
			w.publishCadence(ctx, run)
			return
		}
	}

	for _, f := range files {
		w.processImage(ctx, run, f.row, f.data)
		w.publishCadence(ctx, run)
	}
}

// processImage runs detection and annotation for one stored original and
// records the outcome on its image row.
func (w *AnalysisWorker) processImage(ctx context.Context, run *taskRun, img *models.AnalysisImage, data []byte) {
	if _, err := w.storage.UpdateImage(ctx, img.ID, models.ImageUpdate{Status: models.Status(models.StatusProcessing)}); err != nil {
		w.logger.Warn().Str("image_id", img.ID).Err(err).Msg("Failed to mark image processing")
	}

	summary, err := w.detector.Predict(ctx, img.FileName, data, contentTypeFor(img.FileName), run.confidence)
	if err != nil {
		w.failImage(ctx, run, img.ID, fmt.Sprintf("detection failed: %s", apperrors.PublicMessage(err)))
		return
	}

	annotated, err := imaging.RenderAnnotations(data, summary.Detections)
	if err != nil {
		w.failImage(ctx, run, img.ID, fmt.Sprintf("annotation failed: %s", apperrors.PublicMessage(err)))
		return
	}

	if err := run.archive.Add(img.FileName, summary.HasDefects, annotated); err != nil {
		w.failImage(ctx, run, img.ID, "failed to archive annotated image")
		return
	}

	if _, err := w.storage.UpdateImage(ctx, img.ID, models.ImageUpdate{
		Status:  models.Status(models.StatusCompleted),
		Summary: summary,
	}); err != nil {
		w.logger.Error().Str("image_id", img.ID).Err(err).Msg("Failed to record image result")
		run.failed++
		return
	}

	run.processed++
	run.totalObjects += summary.TotalObjects
	run.defects += summary.DefectsCount
	for class, count := range summary.Statistics {
		run.classStats[class] += count
	}

	candidate := previewCandidate{imageID: img.ID, fileName: img.FileName, data: annotated}
	if summary.HasDefects {
		if len(run.defectPreviews) < run.previewLimit {
			run.defectPreviews = append(run.defectPreviews, candidate)
		}
	} else if len(run.normalPreviews) < run.previewLimit {
		run.normalPreviews = append(run.normalPreviews, candidate)
	}
}

func (w *AnalysisWorker) failImage(ctx context.Context, run *taskRun, imageID, reason string) {
	run.failed++
	if _, err := w.storage.UpdateImage(ctx, imageID, models.ImageUpdate{
		Status:       models.Status(models.StatusFailed),
		ErrorMessage: models.Str(reason),
	}); err != nil {
		w.logger.Error().Str("image_id", imageID).Err(err).Msg("Failed to record image failure")
	}
}

// publishCadence persists and publishes progress after the first finished
// file and then every progressInterval files.
func (w *AnalysisWorker) publishCadence(ctx context.Context, run *taskRun) {
	finished := run.finished()
	if finished != 1 && finished%progressInterval != 0 {
		return
	}
	message := fmt.Sprintf("Обработано %d/%d файлов", finished, run.task.TotalFiles)
	if err := w.updateProgress(ctx, run, models.StatusProcessing, message); err != nil {
		w.logger.Warn().Str("task_id", run.task.ID).Err(err).Msg("Failed to publish progress")
	}
}

// updateProgress writes the run counters to the task row and fans the
// resulting state out to subscribers.
func (w *AnalysisWorker) updateProgress(ctx context.Context, run *taskRun, status models.AnalysisStatus, message string) error {
	task, err := w.storage.UpdateTaskProgress(ctx, run.task.ID, models.TaskProgressUpdate{
		ProcessedFiles: models.Int(run.processed),
		FailedFiles:    models.Int(run.failed),
		DefectsFound:   models.Int(run.defects),
		Status:         models.Status(status),
		Message:        models.Str(message),
	})
	if err != nil {
		return err
	}
	if err := w.queue.PublishProgress(ctx, models.ProgressFromTask(task)); err != nil {
		w.logger.Warn().Str("task_id", run.task.ID).Err(err).Msg("Failed to publish progress event")
	}
	return nil
}

// promotePreviews uploads the retained annotated images as preview blobs,
// defective images first. Upload failures skip the candidate.
func (w *AnalysisWorker) promotePreviews(ctx context.Context, run *taskRun) {
	candidates := append([]previewCandidate{}, run.defectPreviews...)
	candidates = append(candidates, run.normalPreviews...)
	if len(candidates) > run.previewLimit {
		candidates = candidates[:run.previewLimit]
	}

	for _, candidate := range candidates {
		stored, err := w.files.Upload(ctx, AnnotatedName(candidate.fileName), "image/jpeg", candidate.data, run.task.ID, interfaces.FileTypePreview)
		if err != nil {
			w.logger.Warn().Str("image_id", candidate.imageID).Err(err).Msg("Preview upload failed, skipping")
			continue
		}
		if _, err := w.storage.UpdateImage(ctx, candidate.imageID, models.ImageUpdate{
			IsPreview:    models.Bool(true),
			ResultFileID: models.Str(stored.ID),
		}); err != nil {
			w.logger.Warn().Str("image_id", candidate.imageID).Err(err).Msg("Failed to mark preview image")
		}
	}
}

// uploadResults finalizes the archive, streams it to blob storage, and stores
// the archive reference plus aggregate metadata on the task.
func (w *AnalysisWorker) uploadResults(ctx context.Context, run *taskRun) error {
	// Without a single annotated output there is nothing worth archiving; the
	// task keeps an empty results reference and only the aggregate metadata.
	if run.processed == 0 {
		w.logger.Warn().Str("task_id", run.task.ID).Msg("No annotated output, skipping results archive")
		return w.storage.SetTaskArchives(ctx, run.task.ID, models.TaskArchives{
			Metadata: run.metadata(),
		})
	}

	file, size, err := run.archive.Finish()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s_results.zip", run.task.ID)
	stored, err := w.files.UploadStream(ctx, name, "application/zip", file, run.task.ID, interfaces.FileTypeArchive)
	if err != nil {
		return err
	}
	w.logger.Info().Str("task_id", run.task.ID).Str("file_id", stored.ID).Int64("bytes", size).Msg("Results archive uploaded")

	return w.storage.SetTaskArchives(ctx, run.task.ID, models.TaskArchives{
		ResultsArchiveFileID: models.Str(stored.ID),
		Metadata:             run.metadata(),
	})
}

// deleteStagingBlob removes the intake staging archive. Best effort: the blob
// is already unpacked, a leak here only costs storage.
func (w *AnalysisWorker) deleteStagingBlob(ctx context.Context, run *taskRun) {
	if run.task.OriginalsArchiveFileID == "" {
		return
	}
	if err := w.files.Delete(ctx, run.task.OriginalsArchiveFileID); err != nil {
		w.logger.Warn().Str("task_id", run.task.ID).Err(err).Msg("Failed to delete staging archive blob")
		return
	}
	if err := w.storage.SetTaskArchives(ctx, run.task.ID, models.TaskArchives{
		OriginalsArchiveFileID: models.Str(""),
	}); err != nil {
		w.logger.Warn().Str("task_id", run.task.ID).Err(err).Msg("Failed to clear staging archive reference")
	}
}

// metadata builds the aggregate result block stored on the task.
func (r *taskRun) metadata() map[string]interface{} {
	percent := make(map[string]interface{}, len(r.classStats))
	stats := make(map[string]interface{}, len(r.classStats))
	for class, count := range r.classStats {
		stats[class] = count
		p := 0.0
		if r.totalObjects > 0 {
			p = math.Round(float64(count)/float64(r.totalObjects)*100*100) / 100
		}
		percent[class] = map[string]interface{}{"count": count, "percentage": p}
	}
	return map[string]interface{}{
		"total_files":         r.task.TotalFiles,
		"total_objects":       r.totalObjects,
		"defects_found":       r.defects,
		"class_stats":         stats,
		"class_stats_percent": percent,
	}
}

// finishTask stamps the terminal state and publishes the closing progress
// event.
func (w *AnalysisWorker) finishTask(ctx context.Context, taskID string, run *taskRun, status models.AnalysisStatus, message string) {
	task, err := w.storage.UpdateTaskProgress(ctx, taskID, models.TaskProgressUpdate{
		ProcessedFiles: models.Int(run.processed),
		FailedFiles:    models.Int(run.failed),
		DefectsFound:   models.Int(run.defects),
		Status:         models.Status(status),
		Message:        models.Str(message),
	})
	if err != nil {
		w.logger.Error().Str("task_id", taskID).Err(err).Msg("Failed to record terminal task state")
		return
	}

	progress := models.ProgressFromTask(task)
	if status == models.StatusCompleted {
		progress.Message = "Задача завершена"
	}
	if err := w.queue.PublishProgress(ctx, progress); err != nil {
		w.logger.Warn().Str("task_id", taskID).Err(err).Msg("Failed to publish final progress event")
	}
}

// contentTypeFor guesses a MIME type from the file extension.
func contentTypeFor(fileName string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
