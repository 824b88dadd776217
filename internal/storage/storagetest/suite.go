package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
)

// Factory returns an empty TaskStorage for one test case.
type Factory func(t *testing.T) interfaces.TaskStorage

// RunTaskStorageTests runs the TaskStorage contract against a store
// implementation. Both the Postgres store and the in-memory test store must
// behave identically under it.
func RunTaskStorageTests(t *testing.T, newStore Factory) {
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, newStore(t)) })
	t.Run("GetTaskNotFound", func(t *testing.T) { testGetTaskNotFound(t, newStore(t)) })
	t.Run("ListTasksNewestFirst", func(t *testing.T) { testListTasksNewestFirst(t, newStore(t)) })
	t.Run("ImagePaginationAndPreviews", func(t *testing.T) { testImagePaginationAndPreviews(t, newStore(t)) })
	t.Run("GetImageScopedToTask", func(t *testing.T) { testGetImageScopedToTask(t, newStore(t)) })
	t.Run("MergeImageSummary", func(t *testing.T) { testMergeImageSummary(t, newStore(t)) })
	t.Run("DeleteImageReturnsBlobIDsAndAdjustsTotals", func(t *testing.T) { testDeleteImage(t, newStore(t)) })
	t.Run("DeleteTaskCascades", func(t *testing.T) { testDeleteTaskCascades(t, newStore(t)) })
}

func testTaskLifecycle(t *testing.T, storage interfaces.TaskStorage) {
	ctx := context.Background()

	task := models.NewAnalysisTask(3, 3000, 0.35, 10, "line-42")
	require.NoError(t, storage.CreateTask(ctx, task))

	got, err := storage.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 3, got.TotalFiles)
	assert.Equal(t, "line-42", got.RouteName)

	// Progress updates apply only the fields that are set.
	updated, err := storage.UpdateTaskProgress(ctx, task.ID, models.TaskProgressUpdate{
		Status:         models.Status(models.StatusProcessing),
		ProcessedFiles: models.Int(1),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, updated.Status)
	assert.Equal(t, 1, updated.ProcessedFiles)
	assert.Nil(t, updated.CompletedAt)

	updated, err = storage.UpdateTaskProgress(ctx, task.ID, models.TaskProgressUpdate{
		Status:         models.Status(models.StatusCompleted),
		ProcessedFiles: models.Int(3),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	// Terminal status never regresses.
	updated, err = storage.UpdateTaskProgress(ctx, task.ID, models.TaskProgressUpdate{
		Status: models.Status(models.StatusProcessing),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
}

func testGetTaskNotFound(t *testing.T, storage interfaces.TaskStorage) {
	_, err := storage.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func testListTasksNewestFirst(t *testing.T, storage interfaces.TaskStorage) {
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		task := models.NewAnalysisTask(1, 100, 0.35, 10, "")
		require.NoError(t, storage.CreateTask(ctx, task))
		ids = append(ids, task.ID)
		// Keep creation timestamps distinct at microsecond resolution.
		time.Sleep(time.Millisecond)
	}

	tasks, err := storage.ListTasks(ctx, 3)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, ids[4], tasks[0].ID)
	assert.Equal(t, ids[3], tasks[1].ID)
}

func testImagePaginationAndPreviews(t *testing.T, storage interfaces.TaskStorage) {
	ctx := context.Background()

	task := models.NewAnalysisTask(7, 7000, 0.35, 10, "")
	require.NoError(t, storage.CreateTask(ctx, task))

	var images []*models.AnalysisImage
	for i := 0; i < 7; i++ {
		img := models.NewAnalysisImage(task.ID, fmt.Sprintf("blob-%d", i), "img.jpg", 1000)
		img.CreatedAt = img.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		images = append(images, img)
	}
	require.NoError(t, storage.AddImages(ctx, images))

	page, total, err := storage.GetTaskImages(ctx, task.ID, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 3)
	assert.Equal(t, images[2].ID, page[0].ID)

	// Promote two images to preview.
	for _, img := range images[:2] {
		_, err := storage.UpdateImage(ctx, img.ID, models.ImageUpdate{
			IsPreview:    models.Bool(true),
			ResultFileID: models.Str("result-" + img.ID),
		})
		require.NoError(t, err)
	}

	previews, err := storage.GetPreviewImages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, previews, 2)
	for _, p := range previews {
		assert.NotEmpty(t, p.ResultFileID)
	}
}

func testGetImageScopedToTask(t *testing.T, storage interfaces.TaskStorage) {
	ctx := context.Background()

	task := models.NewAnalysisTask(1, 100, 0.35, 10, "")
	require.NoError(t, storage.CreateTask(ctx, task))
	img := models.NewAnalysisImage(task.ID, "blob-1", "a.jpg", 100)
	require.NoError(t, storage.AddImages(ctx, []*models.AnalysisImage{img}))

	got, err := storage.GetImage(ctx, task.ID, img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.FileID, got.FileID)

	_, err = storage.GetImage(ctx, "other-task", img.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func testMergeImageSummary(t *testing.T, storage interfaces.TaskStorage) {
	ctx := context.Background()

	task := models.NewAnalysisTask(1, 100, 0.35, 10, "")
	require.NoError(t, storage.CreateTask(ctx, task))
	img := models.NewAnalysisImage(task.ID, "blob-1", "a.jpg", 100)
	require.NoError(t, storage.AddImages(ctx, []*models.AnalysisImage{img}))

	model := models.Detection{
		Class:         "damaged_insulator",
		Confidence:    0.8,
		BBox:          [4]int{10, 10, 50, 50},
		DefectSummary: models.DefectSummary{Type: "поврежден", Severity: models.SeverityHigh},
	}
	_, err := storage.ReplaceImageDetections(ctx, img.ID, []models.Detection{model})
	require.NoError(t, err)

	boxes := []models.ManualBox{{X: 0, Y: 0, Width: 5, Height: 5, Name: "bar"}}
	merged, err := storage.MergeImageSummary(ctx, img.ID, boxes)
	require.NoError(t, err)
	require.NotNil(t, merged.Summary)
	require.Len(t, merged.Summary.Detections, 2)
	assert.Equal(t, 2, merged.Summary.DefectsCount)

	// Merging the same boxes again does not grow the summary.
	again, err := storage.MergeImageSummary(ctx, img.ID, boxes)
	require.NoError(t, err)
	assert.Len(t, again.Summary.Detections, 2)
}

func testDeleteImage(t *testing.T, storage interfaces.TaskStorage) {
	ctx := context.Background()

	task := models.NewAnalysisTask(2, 2000, 0.35, 10, "")
	require.NoError(t, storage.CreateTask(ctx, task))
	img := models.NewAnalysisImage(task.ID, "blob-1", "a.jpg", 1000)
	require.NoError(t, storage.AddImages(ctx, []*models.AnalysisImage{img}))

	_, err := storage.UpdateImage(ctx, img.ID, models.ImageUpdate{
		Status:       models.Status(models.StatusCompleted),
		ResultFileID: models.Str("result-1"),
	})
	require.NoError(t, err)
	_, err = storage.UpdateTaskProgress(ctx, task.ID, models.TaskProgressUpdate{ProcessedFiles: models.Int(1)})
	require.NoError(t, err)

	blobs, err := storage.DeleteImage(ctx, task.ID, img.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blob-1", "result-1"}, blobs)

	got, err := storage.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalFiles)
	assert.Equal(t, int64(1000), got.TotalBytes)
	assert.Equal(t, 0, got.ProcessedFiles)

	_, err = storage.GetImage(ctx, task.ID, img.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func testDeleteTaskCascades(t *testing.T, storage interfaces.TaskStorage) {
	ctx := context.Background()

	task := models.NewAnalysisTask(2, 2000, 0.35, 10, "")
	require.NoError(t, storage.CreateTask(ctx, task))
	img1 := models.NewAnalysisImage(task.ID, "blob-1", "a.jpg", 1000)
	img2 := models.NewAnalysisImage(task.ID, "blob-2", "b.jpg", 1000)
	require.NoError(t, storage.AddImages(ctx, []*models.AnalysisImage{img1, img2}))

	_, err := storage.UpdateImage(ctx, img1.ID, models.ImageUpdate{ResultFileID: models.Str("result-1")})
	require.NoError(t, err)
	require.NoError(t, storage.SetTaskArchives(ctx, task.ID, models.TaskArchives{
		ResultsArchiveFileID: models.Str("archive-1"),
	}))

	blobs, err := storage.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blob-1", "result-1", "blob-2", "archive-1"}, blobs)

	_, err = storage.GetTask(ctx, task.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = storage.GetImage(ctx, "", img1.ID)
	assert.True(t, apperrors.IsNotFound(err))
}
