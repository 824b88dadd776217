package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
	"github.com/ternarybob/linewatch/internal/storage/storagetest"
)

// fakeFiles is an in-memory blob store.
type fakeFiles struct {
	mu      sync.Mutex
	seq     int
	blobs   map[string][]byte
	names   map[string]string
	deleted []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		blobs: make(map[string][]byte),
		names: make(map[string]string),
	}
}

func (f *fakeFiles) put(fileName string, data []byte) *interfaces.StoredFile {
	f.seq++
	id := fmt.Sprintf("blob-%03d", f.seq)
	f.blobs[id] = data
	f.names[id] = fileName
	return &interfaces.StoredFile{ID: id, FileName: fileName, FileSize: int64(len(data))}
}

func (f *fakeFiles) Upload(ctx context.Context, fileName, contentType string, data []byte, projectID, fileType string) (*interfaces.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.put(fileName, data), nil
}

func (f *fakeFiles) UploadStream(ctx context.Context, fileName, contentType string, r io.Reader, projectID, fileType string) (*interfaces.StoredFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.put(fileName, data), nil
}

func (f *fakeFiles) BatchUpload(ctx context.Context, items []interfaces.BatchUploadItem, projectID, fileType string) ([]interfaces.BatchUploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]interfaces.BatchUploadResult, 0, len(items))
	for _, item := range items {
		results = append(results, interfaces.BatchUploadResult{
			FileName: item.FileName,
			Stored:   f.put(item.FileName, item.Data),
		})
	}
	return results, nil
}

func (f *fakeFiles) Download(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[fileID]
	if !ok {
		return nil, apperrors.NotFound("file %s", fileID)
	}
	return data, nil
}

func (f *fakeFiles) DownloadTo(ctx context.Context, fileID string, w io.Writer) error {
	data, err := f.Download(ctx, fileID)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (f *fakeFiles) BatchDownload(ctx context.Context, fileIDs []string) ([]interfaces.DownloadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interfaces.DownloadedFile
	for _, id := range fileIDs {
		if data, ok := f.blobs[id]; ok {
			out = append(out, interfaces.DownloadedFile{FileID: id, FileName: f.names[id], Data: data})
		}
	}
	return out, nil
}

func (f *fakeFiles) GetMetadata(ctx context.Context, fileID string) (*interfaces.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[fileID]
	if !ok {
		return nil, apperrors.NotFound("file %s", fileID)
	}
	return &interfaces.StoredFile{ID: fileID, FileName: f.names[fileID], FileSize: int64(len(data))}, nil
}

func (f *fakeFiles) Delete(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, fileID)
	f.deleted = append(f.deleted, fileID)
	return nil
}

// fileNameOf returns the stored name for a blob id.
func (f *fakeFiles) fileNameOf(fileID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[fileID]
}

// fakeDetector returns a fixed single-detection summary.
type fakeDetector struct{}

func (d *fakeDetector) Predict(ctx context.Context, fileName string, data []byte, contentType string, confidence float64) (*models.AnalysisSummary, error) {
	summary := &models.AnalysisSummary{
		Detections: []models.Detection{{
			Class:         "traverse",
			ClassRU:       models.ClassRUFor("traverse"),
			Confidence:    0.9,
			BBox:          [4]int{0, 0, 50, 50},
			DefectSummary: models.DefectSummary{Type: "Норма", Severity: models.SeverityNone},
		}},
	}
	summary.Recount()
	return summary, nil
}

func (d *fakeDetector) Ping(ctx context.Context) error { return nil }

// fakeAnnotator echoes a derived result blob id.
type fakeAnnotator struct {
	lastFileID string
}

func (a *fakeAnnotator) Annotate(ctx context.Context, fileID string, boxes []models.ManualBox, projectID, fileType string) (*interfaces.AnnotationResult, error) {
	a.lastFileID = fileID
	return &interfaces.AnnotationResult{
		Success:  true,
		FileID:   "annotated-" + fileID,
		Filename: "annotated.jpg",
	}, nil
}

// fakePublisher records published task messages.
type fakePublisher struct {
	mu       sync.Mutex
	messages []models.TaskMessage
	fail     bool
}

func (p *fakePublisher) PublishTask(ctx context.Context, msg models.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return apperrors.Unavailable("queue unavailable", nil)
	}
	p.messages = append(p.messages, msg)
	return nil
}

type handlerFixture struct {
	handler   *AnalysisHandler
	storage   interfaces.TaskStorage
	files     *fakeFiles
	annotator *fakeAnnotator
	publisher *fakePublisher
	config    *common.Config
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := common.GetLogger()

	config := common.NewDefaultConfig()
	config.Analysis.MaxBatchFiles = 10
	config.Analysis.UploadPreviewLimit = 2
	config.Analysis.PreviewLimit = 10

	fx := &handlerFixture{
		storage:   storagetest.NewMemoryStore(),
		files:     newFakeFiles(),
		annotator: &fakeAnnotator{},
		publisher: &fakePublisher{},
		config:    config,
	}
	fx.handler = NewAnalysisHandler(fx.storage, fx.files, &fakeDetector{}, fx.annotator, fx.publisher, config, logger)
	return fx
}

type batchFile struct {
	name string
	data []byte
}

func batchRequest(t *testing.T, query string, files []batchFile) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/predict/batch"+query, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestBatchPredictRejectsEmptyBatch(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	fx.handler.BatchPredictHandler(rec, batchRequest(t, "", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fx.publisher.messages)

	tasks, err := fx.storage.ListTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestBatchPredictRejectsArchiveEntry(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	fx.handler.BatchPredictHandler(rec, batchRequest(t, "", []batchFile{
		{name: "photos.zip", data: []byte("zip")},
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["error"], "archives are not accepted")
}

func TestBatchPredictRejectsUnsupportedExtension(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	fx.handler.BatchPredictHandler(rec, batchRequest(t, "", []batchFile{
		{name: "img_01.jpg", data: []byte("jpeg")},
		{name: "animation.gif", data: []byte("gif")},
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["error"], "unsupported file type")
	// No rows are created for partially valid batches.
	tasks, err := fx.storage.ListTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestBatchPredictRejectsConfidenceOutOfRange(t *testing.T) {
	fx := newHandlerFixture(t)

	for _, conf := range []string{"1.5", "-0.1", "abc"} {
		rec := httptest.NewRecorder()
		fx.handler.BatchPredictHandler(rec, batchRequest(t, "?conf="+conf, []batchFile{
			{name: "img_01.jpg", data: []byte("jpeg")},
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "conf=%s", conf)
	}
}

func TestBatchPredictRejectsPreviewLimitOutOfRange(t *testing.T) {
	fx := newHandlerFixture(t)

	for _, limit := range []string{"0", "11"} {
		rec := httptest.NewRecorder()
		fx.handler.BatchPredictHandler(rec, batchRequest(t, "?preview_limit="+limit, []batchFile{
			{name: "img_01.jpg", data: []byte("jpeg")},
		}))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "preview_limit=%s", limit)
	}
}

func TestBatchPredictRejectsLongRouteName(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	fx.handler.BatchPredictHandler(rec, batchRequest(t, "?route_name="+strings.Repeat("x", 251), []batchFile{
		{name: "img_01.jpg", data: []byte("jpeg")},
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchPredictAcceptsPreviewOnlyBatch(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	fx.handler.BatchPredictHandler(rec, batchRequest(t, "?conf=0.5&preview_limit=5&route_name=line-42", []batchFile{
		{name: "img_01.jpg", data: []byte("one")},
		{name: "img_02.jpg", data: []byte("two")},
	}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeJSON(t, rec)
	taskID := body["task_id"].(string)
	assert.Equal(t, "queued", body["status"])

	task, err := fx.storage.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Equal(t, 2, task.TotalFiles)
	assert.Equal(t, int64(6), task.TotalBytes)
	assert.Equal(t, 0.5, task.ConfidenceThreshold)
	assert.Equal(t, 5, task.PreviewLimit)
	assert.Equal(t, "line-42", task.RouteName)
	assert.Empty(t, task.OriginalsArchiveFileID)

	_, total, err := fx.storage.GetTaskImages(ctx, taskID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.Len(t, fx.publisher.messages, 1)
	msg := fx.publisher.messages[0]
	assert.Equal(t, taskID, msg.TaskID)
	assert.Equal(t, 0.5, msg.ConfidenceThreshold)
	assert.Equal(t, 5, msg.PreviewLimit)
}

func TestBatchPredictStagesBulkFiles(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	files := make([]batchFile, 0, 5)
	for i := 1; i <= 5; i++ {
		files = append(files, batchFile{name: fmt.Sprintf("img_%02d.jpg", i), data: []byte("data")})
	}

	rec := httptest.NewRecorder()
	fx.handler.BatchPredictHandler(rec, batchRequest(t, "", files))
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := decodeJSON(t, rec)["task_id"].(string)

	// Only the preview subset gets individual rows at intake.
	_, total, err := fx.storage.GetTaskImages(ctx, taskID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	task, err := fx.storage.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.NotEmpty(t, task.OriginalsArchiveFileID)
	assert.Equal(t, taskID+"_temp_uploaded_archive.zip", fx.files.fileNameOf(task.OriginalsArchiveFileID))

	// The staging archive holds exactly the non-preview files.
	data, err := fx.files.Download(ctx, task.OriginalsArchiveFileID)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var entries []string
	for _, entry := range zr.File {
		entries = append(entries, entry.Name)
	}
	assert.ElementsMatch(t, []string{"img_03.jpg", "img_04.jpg", "img_05.jpg"}, entries)

	assert.Len(t, fx.publisher.messages, 1)
}

func TestBatchPredictMarksTaskFailedWhenPublishFails(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.publisher.fail = true
	ctx := context.Background()

	rec := httptest.NewRecorder()
	fx.handler.BatchPredictHandler(rec, batchRequest(t, "", []batchFile{
		{name: "img_01.jpg", data: []byte("one")},
	}))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	tasks, err := fx.storage.ListTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StatusFailed, tasks[0].Status)
}

func TestHistoryHandlerPaginatesNewestFirst(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := models.NewAnalysisTask(1, 10, 0.35, 10, fmt.Sprintf("route-%d", i))
		require.NoError(t, fx.storage.CreateTask(ctx, task))
	}

	rec := httptest.NewRecorder()
	fx.handler.HistoryHandler(rec, httptest.NewRequest(http.MethodGet, "/api/analysis/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(2), body["count"])
	assert.Len(t, body["tasks"], 2)

	rec = httptest.NewRecorder()
	fx.handler.HistoryHandler(rec, httptest.NewRequest(http.MethodGet, "/api/analysis/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decodeJSON(t, rec)["count"])
}

func TestTaskImagesPagination(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	task := models.NewAnalysisTask(5, 50, 0.35, 10, "")
	require.NoError(t, fx.storage.CreateTask(ctx, task))
	var rows []*models.AnalysisImage
	for i := 1; i <= 5; i++ {
		rows = append(rows, models.NewAnalysisImage(task.ID, fmt.Sprintf("blob-%d", i), fmt.Sprintf("img_%02d.jpg", i), 10))
	}
	require.NoError(t, fx.storage.AddImages(ctx, rows))

	rec := httptest.NewRecorder()
	fx.handler.TaskImagesHandler(rec, httptest.NewRequest(http.MethodGet, "/x?skip=2&limit=2", nil), task.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Equal(t, float64(5), body["total"])
	assert.Equal(t, float64(2), body["skip"])
	assert.Equal(t, float64(2), body["limit"])
	assert.Len(t, body["images"], 2)
}

func TestGetTaskNotFound(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	fx.handler.GetTaskHandler(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "missing")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", decodeJSON(t, rec)["status"])
}

func TestAnnotateMergesManualBoxes(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	task := models.NewAnalysisTask(1, 10, 0.35, 10, "")
	require.NoError(t, fx.storage.CreateTask(ctx, task))
	img := models.NewAnalysisImage(task.ID, "blob-orig", "img_01.jpg", 10)
	img.ResultFileID = "blob-result"
	img.Summary = &models.AnalysisSummary{
		Detections: []models.Detection{{
			Class:         "traverse",
			Confidence:    0.9,
			DefectSummary: models.DefectSummary{Severity: models.SeverityNone},
		}},
	}
	img.Summary.Recount()
	require.NoError(t, fx.storage.AddImages(ctx, []*models.AnalysisImage{img}))

	payload := `{"bboxes":[{"x":10,"y":10,"width":40,"height":40},{"x":60,"y":60,"width":20,"height":20,"is_defect":false}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(payload))
	fx.handler.AnnotateHandler(rec, req, task.ID, img.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	// Annotation runs against the previous result blob when one exists.
	assert.Equal(t, "blob-result", fx.annotator.lastFileID)

	updated, err := fx.storage.GetImage(ctx, task.ID, img.ID)
	require.NoError(t, err)
	assert.Equal(t, "annotated-blob-result", updated.ResultFileID)
	require.NotNil(t, updated.Summary)
	assert.Equal(t, 3, updated.Summary.TotalObjects)
	assert.Equal(t, 1, updated.Summary.DefectsCount)

	// Re-submitting the same boxes replaces the manual set instead of stacking.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(payload))
	fx.handler.AnnotateHandler(rec, req, task.ID, img.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err = fx.storage.GetImage(ctx, task.ID, img.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Summary.TotalObjects)
}

func TestAnnotateRejectsEmptyBoxes(t *testing.T) {
	fx := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"bboxes":[]}`))
	fx.handler.AnnotateHandler(rec, req, "task", "image")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsReplacesDetections(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	task := models.NewAnalysisTask(1, 10, 0.35, 10, "")
	require.NoError(t, fx.storage.CreateTask(ctx, task))
	img := models.NewAnalysisImage(task.ID, "blob-orig", "img_01.jpg", 10)
	require.NoError(t, fx.storage.AddImages(ctx, []*models.AnalysisImage{img}))

	payload := `{"detections":[
		{"class":"traverse","confidence":0.8,"bbox":[0,0,10,10],"defect_summary":{"severity":"none"}},
		{"class":"damaged_insulator","confidence":0.7,"bbox":[5,5,20,20],"defect_summary":{"severity":"high"}}
	]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(payload))
	fx.handler.MetricsHandler(rec, req, task.ID, img.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := fx.storage.GetImage(ctx, task.ID, img.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.Summary)
	assert.Equal(t, 2, updated.Summary.TotalObjects)
	assert.Equal(t, 1, updated.Summary.DefectsCount)
}

func TestMetricsRejectsWrongTaskScope(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	task := models.NewAnalysisTask(1, 10, 0.35, 10, "")
	require.NoError(t, fx.storage.CreateTask(ctx, task))
	img := models.NewAnalysisImage(task.ID, "blob-orig", "img_01.jpg", 10)
	require.NoError(t, fx.storage.AddImages(ctx, []*models.AnalysisImage{img}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"detections":[]}`))
	fx.handler.MetricsHandler(rec, req, "other-task", img.ID)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTaskCollectsBlobs(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	task := models.NewAnalysisTask(1, 10, 0.35, 10, "")
	require.NoError(t, fx.storage.CreateTask(ctx, task))
	stored, err := fx.files.Upload(ctx, "img_01.jpg", "image/jpeg", []byte("data"), task.ID, interfaces.FileTypeOriginal)
	require.NoError(t, err)
	img := models.NewAnalysisImage(task.ID, stored.ID, "img_01.jpg", 4)
	require.NoError(t, fx.storage.AddImages(ctx, []*models.AnalysisImage{img}))

	rec := httptest.NewRecorder()
	fx.handler.DeleteTaskHandler(rec, httptest.NewRequest(http.MethodDelete, "/x", nil), task.ID)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = fx.storage.GetTask(ctx, task.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Contains(t, fx.files.deleted, stored.ID)
}

func TestPredictRunsSingleImage(t *testing.T) {
	fx := newHandlerFixture(t)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "img_01.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/predict", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	fx.handler.PredictHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary models.AnalysisSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.TotalObjects)
	assert.False(t, summary.HasDefects)
}
