package workers

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
	"github.com/ternarybob/linewatch/internal/storage/storagetest"
)

// stubFiles is an in-memory files service.
type stubFiles struct {
	mu              sync.Mutex
	blobs           map[string][]byte
	names           map[string]string
	types           map[string]string
	deleted         []string
	nextID          int
	failBatchUpload bool
}

func newStubFiles() *stubFiles {
	return &stubFiles{
		blobs: make(map[string][]byte),
		names: make(map[string]string),
		types: make(map[string]string),
	}
}

func (f *stubFiles) put(fileName string, data []byte, fileType string) *interfaces.StoredFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("blob-%03d", f.nextID)
	f.blobs[id] = append([]byte(nil), data...)
	f.names[id] = fileName
	f.types[id] = fileType
	return &interfaces.StoredFile{ID: id, FileName: fileName, FileSize: int64(len(data))}
}

func (f *stubFiles) idsOfType(fileType string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, t := range f.types {
		if t == fileType {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *stubFiles) Upload(_ context.Context, fileName, _ string, data []byte, _, fileType string) (*interfaces.StoredFile, error) {
	return f.put(fileName, data, fileType), nil
}

func (f *stubFiles) UploadStream(_ context.Context, fileName, _ string, r io.Reader, _, fileType string) (*interfaces.StoredFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return f.put(fileName, data, fileType), nil
}

func (f *stubFiles) BatchUpload(_ context.Context, items []interfaces.BatchUploadItem, _, fileType string) ([]interfaces.BatchUploadResult, error) {
	f.mu.Lock()
	fail := f.failBatchUpload
	f.failBatchUpload = false
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("batch upload unavailable")
	}

	results := make([]interfaces.BatchUploadResult, 0, len(items))
	for _, item := range items {
		stored := f.put(item.FileName, item.Data, fileType)
		results = append(results, interfaces.BatchUploadResult{FileName: item.FileName, Stored: stored})
	}
	return results, nil
}

func (f *stubFiles) Download(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[fileID]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", fileID)
	}
	return data, nil
}

func (f *stubFiles) DownloadTo(ctx context.Context, fileID string, w io.Writer) error {
	data, err := f.Download(ctx, fileID)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (f *stubFiles) BatchDownload(ctx context.Context, fileIDs []string) ([]interfaces.DownloadedFile, error) {
	var out []interfaces.DownloadedFile
	for _, id := range fileIDs {
		data, err := f.Download(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, interfaces.DownloadedFile{FileID: id, FileName: f.names[id], Data: data})
	}
	return out, nil
}

func (f *stubFiles) GetMetadata(_ context.Context, fileID string) (*interfaces.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[fileID]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", fileID)
	}
	return &interfaces.StoredFile{ID: fileID, FileName: f.names[fileID], FileSize: int64(len(data))}, nil
}

func (f *stubFiles) Delete(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, fileID)
	f.deleted = append(f.deleted, fileID)
	return nil
}

// stubDetector classifies files by name and records the thresholds it was
// called with.
type stubDetector struct {
	defective func(fileName string) bool

	mu    sync.Mutex
	confs []float64
}

func (d *stubDetector) seenConfs() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.confs...)
}

func (d *stubDetector) Predict(_ context.Context, fileName string, _ []byte, _ string, conf float64) (*models.AnalysisSummary, error) {
	d.mu.Lock()
	d.confs = append(d.confs, conf)
	d.mu.Unlock()
	summary := &models.AnalysisSummary{
		Detections: []models.Detection{{
			Class:      "traverse",
			ClassRU:    models.ClassRUFor("traverse"),
			Confidence: 0.8,
			BBox:       [4]int{1, 1, 8, 8},
			DefectSummary: models.DefectSummary{
				Type: "норма", Severity: models.SeverityNone,
			},
		}},
	}
	if d.defective != nil && d.defective(fileName) {
		summary.Detections = append(summary.Detections, models.Detection{
			Class:      "damaged_insulator",
			ClassRU:    models.ClassRUFor("damaged_insulator"),
			Confidence: 0.9,
			BBox:       [4]int{2, 2, 9, 9},
			DefectSummary: models.DefectSummary{
				Type: "поврежден", Severity: models.SeverityHigh, Description: "Изолятор поврежден",
			},
		})
	}
	summary.Recount()
	return summary, nil
}

func (d *stubDetector) Ping(context.Context) error { return nil }

// stubQueue records published progress events.
type stubQueue struct {
	mu     sync.Mutex
	events []models.TaskProgress
}

func (q *stubQueue) PublishTask(context.Context, models.TaskMessage) error { return nil }

func (q *stubQueue) PublishProgress(_ context.Context, progress models.TaskProgress) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, progress)
	return nil
}

func (q *stubQueue) ConsumeTasks(context.Context, interfaces.TaskHandler) error       { return nil }
func (q *stubQueue) ConsumeProgress(context.Context, interfaces.ProgressHandler) error { return nil }
func (q *stubQueue) Close() error                                                      { return nil }

func (q *stubQueue) all() []models.TaskProgress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.TaskProgress(nil), q.events...)
}

func newTestStorage(t *testing.T) interfaces.TaskStorage {
	t.Helper()
	return storagetest.NewMemoryStore()
}

func testConfig() common.AnalysisConfig {
	return common.AnalysisConfig{
		UploadPreviewLimit: 10,
		PreviewLimit:       3,
		ChunkSize:          10,
		DefaultConfidence:  0.35,
	}
}

func newTestWorker(t *testing.T, files *stubFiles, detector *stubDetector, queue *stubQueue) (*AnalysisWorker, interfaces.TaskStorage) {
	t.Helper()
	store := newTestStorage(t)
	worker := NewAnalysisWorker(store, files, detector, queue, testConfig(), arbor.NewLogger())
	return worker, store
}

func tinyJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type zipEntry struct {
	name string
	data []byte
}

func buildStagingZipEntries(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range entries {
		w, err := zw.Create(entry.name)
		require.NoError(t, err)
		_, err = w.Write(entry.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildStagingZip(t *testing.T, names []string, payload []byte) []byte {
	t.Helper()
	entries := make([]zipEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, zipEntry{name: name, data: payload})
	}
	return buildStagingZipEntries(t, entries)
}

// isOddIndexed flags files named img_NN by the parity of NN.
func isOddIndexed(fileName string) bool {
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	var n int
	if _, err := fmt.Sscanf(stem, "img_%d", &n); err != nil {
		return false
	}
	return n%2 == 1
}

func TestWorkerProcessesBatch(t *testing.T) {
	ctx := context.Background()
	files := newStubFiles()
	detector := &stubDetector{defective: isOddIndexed}
	queue := &stubQueue{}
	worker, store := newTestWorker(t, files, detector, queue)

	payload := tinyJPEG(t)

	// 10 preview originals stored individually at intake, 15 more in the
	// staging archive. Odd-indexed files come back defective.
	task := models.NewAnalysisTask(25, 25*int64(len(payload)), 0.4, 3, "line-7")
	require.NoError(t, store.CreateTask(ctx, task))

	var rows []*models.AnalysisImage
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("img_%02d.jpg", i)
		stored := files.put(name, payload, interfaces.FileTypeOriginal)
		rows = append(rows, models.NewAnalysisImage(task.ID, stored.ID, name, stored.FileSize))
	}
	require.NoError(t, store.AddImages(ctx, rows))

	var bulkNames []string
	for i := 10; i < 25; i++ {
		bulkNames = append(bulkNames, fmt.Sprintf("img_%02d.jpg", i))
	}
	staging := files.put("staging.zip", buildStagingZip(t, bulkNames, payload), interfaces.FileTypeArchive)
	require.NoError(t, store.SetTaskArchives(ctx, task.ID, models.TaskArchives{
		OriginalsArchiveFileID: models.Str(staging.ID),
	}))

	err := worker.HandleDelivery(ctx, interfaces.TaskDelivery{
		Message: models.TaskMessage{TaskID: task.ID, ConfidenceThreshold: 0.4, PreviewLimit: 3},
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 25, got.ProcessedFiles)
	assert.Equal(t, 0, got.FailedFiles)
	// 12 odd indices in 0..24, one defective detection each.
	assert.Equal(t, 12, got.DefectsFound)
	assert.Equal(t, "Завершено", got.Message)
	assert.NotNil(t, got.CompletedAt)

	// Staging archive consumed and its blob removed.
	assert.Empty(t, got.OriginalsArchiveFileID)
	assert.Contains(t, files.deleted, staging.ID)

	// Result metadata aggregates every detection.
	require.NotNil(t, got.Metadata)
	assert.Equal(t, 37, got.Metadata["total_objects"])
	assert.Equal(t, 12, got.Metadata["defects_found"])
	stats, ok := got.Metadata["class_stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 25, stats["traverse"])
	assert.Equal(t, 12, stats["damaged_insulator"])

	// All 25 image rows completed with summaries.
	images, total, err := store.GetTaskImages(ctx, task.ID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	for _, img := range images {
		assert.Equal(t, models.StatusCompleted, img.Status)
		require.NotNil(t, img.Summary)
	}

	// Previews favor defective images: the first three odd-indexed files.
	previews, err := store.GetPreviewImages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, previews, 3)
	for _, img := range previews {
		assert.NotEmpty(t, img.ResultFileID)
		// Defective files filled the preview queue before any normal one.
		assert.True(t, isOddIndexed(img.FileName), img.FileName)
	}
	assert.Len(t, files.idsOfType(interfaces.FileTypePreview), 3)

	// Results archive holds both folders and one annotated entry per image.
	require.NotEmpty(t, got.ResultsArchiveFileID)
	data, err := files.Download(ctx, got.ResultsArchiveFileID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s_results.zip", task.ID), files.names[got.ResultsArchiveFileID])

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	damaged, normal := 0, 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		assert.True(t, strings.HasSuffix(f.Name, "_annotated.jpg"), f.Name)
		switch {
		case strings.HasPrefix(f.Name, "results/Поврежденные/"):
			damaged++
		case strings.HasPrefix(f.Name, "results/Неповрежденные/"):
			normal++
		default:
			t.Fatalf("unexpected archive entry %s", f.Name)
		}
	}
	assert.Equal(t, 12, damaged)
	assert.Equal(t, 13, normal)

	// Final event closes the stream.
	events := queue.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.StatusCompleted, last.Status)
	assert.Equal(t, "Задача завершена", last.Message)
	assert.Equal(t, 25, last.ProcessedFiles)
}

func TestWorkerFailsEmptyTask(t *testing.T) {
	ctx := context.Background()
	queue := &stubQueue{}
	worker, store := newTestWorker(t, newStubFiles(), &stubDetector{}, queue)

	task := models.NewAnalysisTask(0, 0, 0.35, 10, "")
	require.NoError(t, store.CreateTask(ctx, task))

	err := worker.HandleDelivery(ctx, interfaces.TaskDelivery{
		Message: models.TaskMessage{TaskID: task.ID},
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "Нет файлов для обработки", got.Message)
}

func TestWorkerFailsRedeliveredInProgressTask(t *testing.T) {
	ctx := context.Background()
	queue := &stubQueue{}
	worker, store := newTestWorker(t, newStubFiles(), &stubDetector{}, queue)

	task := models.NewAnalysisTask(5, 5000, 0.35, 10, "")
	require.NoError(t, store.CreateTask(ctx, task))
	_, err := store.UpdateTaskProgress(ctx, task.ID, models.TaskProgressUpdate{
		Status:         models.Status(models.StatusProcessing),
		ProcessedFiles: models.Int(2),
	})
	require.NoError(t, err)

	err = worker.HandleDelivery(ctx, interfaces.TaskDelivery{
		Message:     models.TaskMessage{TaskID: task.ID},
		Redelivered: true,
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "Задача завершилась с ошибками", got.Message)
}

func TestWorkerSkipsUnknownTask(t *testing.T) {
	worker, _ := newTestWorker(t, newStubFiles(), &stubDetector{}, &stubQueue{})

	err := worker.HandleDelivery(context.Background(), interfaces.TaskDelivery{
		Message: models.TaskMessage{TaskID: "no-such-task"},
	})
	assert.NoError(t, err)
}

func TestWorkerCountsChunkUploadFailure(t *testing.T) {
	ctx := context.Background()
	files := newStubFiles()
	queue := &stubQueue{}
	worker, store := newTestWorker(t, files, &stubDetector{}, queue)

	payload := tinyJPEG(t)
	names := []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"}
	staging := files.put("staging.zip", buildStagingZip(t, names, payload), interfaces.FileTypeArchive)

	task := models.NewAnalysisTask(5, 5*int64(len(payload)), 0.35, 10, "")
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.SetTaskArchives(ctx, task.ID, models.TaskArchives{
		OriginalsArchiveFileID: models.Str(staging.ID),
	}))

	files.failBatchUpload = true
	err := worker.HandleDelivery(ctx, interfaces.TaskDelivery{
		Message: models.TaskMessage{TaskID: task.ID},
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 0, got.ProcessedFiles)
	assert.Equal(t, 5, got.FailedFiles)
	assert.Equal(t, "Задача завершилась с ошибками", got.Message)

	// Nothing was annotated, so no results archive exists.
	assert.Empty(t, got.ResultsArchiveFileID)
	for _, name := range files.names {
		assert.NotEqual(t, fmt.Sprintf("%s_results.zip", task.ID), name)
	}

	// No image rows were registered for the failed chunk.
	_, total, err := store.GetTaskImages(ctx, task.ID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	// The closing event carries the failure message, not the success one.
	events := queue.all()
	require.NotEmpty(t, events)
	assert.Equal(t, "Задача завершилась с ошибками", events[len(events)-1].Message)
}

func TestWorkerPassesZeroConfidenceVerbatim(t *testing.T) {
	ctx := context.Background()
	files := newStubFiles()
	detector := &stubDetector{}
	worker, store := newTestWorker(t, files, detector, &stubQueue{})

	payload := tinyJPEG(t)
	task := models.NewAnalysisTask(1, int64(len(payload)), 0, 10, "")
	require.NoError(t, store.CreateTask(ctx, task))

	stored := files.put("tower.jpg", payload, interfaces.FileTypeOriginal)
	row := models.NewAnalysisImage(task.ID, stored.ID, "tower.jpg", stored.FileSize)
	require.NoError(t, store.AddImages(ctx, []*models.AnalysisImage{row}))

	err := worker.HandleDelivery(ctx, interfaces.TaskDelivery{
		Message: models.TaskMessage{TaskID: task.ID, ConfidenceThreshold: 0, PreviewLimit: 10},
	})
	require.NoError(t, err)

	confs := detector.seenConfs()
	require.Len(t, confs, 1)
	assert.Equal(t, 0.0, confs[0])
}

func TestWorkerKeepsDuplicateBaseNamesPaired(t *testing.T) {
	ctx := context.Background()
	files := newStubFiles()
	queue := &stubQueue{}
	worker, store := newTestWorker(t, files, &stubDetector{}, queue)

	// Two archive entries share a base name; only the first holds a decodable
	// image. Pairing payloads by name would hand both rows the same bytes.
	staging := files.put("staging.zip", buildStagingZipEntries(t, []zipEntry{
		{name: "a/dup.jpg", data: tinyJPEG(t)},
		{name: "b/dup.jpg", data: []byte("not an image")},
	}), interfaces.FileTypeArchive)

	task := models.NewAnalysisTask(2, 2000, 0.35, 10, "")
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.SetTaskArchives(ctx, task.ID, models.TaskArchives{
		OriginalsArchiveFileID: models.Str(staging.ID),
	}))

	err := worker.HandleDelivery(ctx, interfaces.TaskDelivery{
		Message: models.TaskMessage{TaskID: task.ID},
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedFiles)
	assert.Equal(t, 1, got.FailedFiles)
}
