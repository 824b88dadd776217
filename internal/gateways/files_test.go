package gateways

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/interfaces"
)

func TestFilesUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "task-1", r.FormValue("project_id"))
		assert.Equal(t, "ANALYSIS_ORIGINAL", r.FormValue("file_type"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "tower.jpg", header.Filename)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":        "blob-1",
			"file_name": "tower.jpg",
			"file_size": 5,
		})
	}))
	defer server.Close()

	client := NewFilesClient(server.URL, arbor.NewLogger())
	stored, err := client.Upload(context.Background(), "tower.jpg", "image/jpeg", []byte("hello"), "task-1", "ANALYSIS_ORIGINAL")
	require.NoError(t, err)
	assert.Equal(t, "blob-1", stored.ID)
	assert.Equal(t, int64(5), stored.FileSize)
}

func TestFilesUploadOversize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer server.Close()

	client := NewFilesClient(server.URL, arbor.NewLogger())
	_, err := client.Upload(context.Background(), "big.jpg", "image/jpeg", []byte("x"), "t", "ANALYSIS_ORIGINAL")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindOversize, apperrors.KindOf(err))
}

func TestFilesBatchUploadPartialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/batch-upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Len(t, r.MultipartForm.File["files"], 3)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"files": []map[string]interface{}{
				{"id": "blob-a", "file_name": "a.jpg", "file_size": 1},
				{"id": "blob-c", "file_name": "c.jpg", "file_size": 3},
			},
			"total":  2,
			"failed": 1,
			"errors": []map[string]interface{}{
				{"index": 1, "filename": "b.jpg", "error": "disk full"},
			},
		})
	}))
	defer server.Close()

	client := NewFilesClient(server.URL, arbor.NewLogger())
	items := []interfaces.BatchUploadItem{
		{FileName: "a.jpg", ContentType: "image/jpeg", Data: []byte("a")},
		{FileName: "b.jpg", ContentType: "image/jpeg", Data: []byte("b")},
		{FileName: "c.jpg", ContentType: "image/jpeg", Data: []byte("c")},
	}
	results, err := client.BatchUpload(context.Background(), items, "task-1", "ANALYSIS_ORIGINAL")
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NotNil(t, results[0].Stored)
	assert.Equal(t, "blob-a", results[0].Stored.ID)
	assert.Nil(t, results[1].Stored)
	assert.Equal(t, "disk full", results[1].Error)
	require.NotNil(t, results[2].Stored)
	assert.Equal(t, "blob-c", results[2].Stored.ID)
}

func TestFilesBatchDownloadDecodesContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/batch-download", r.URL.Path)
		var req map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"blob-1", "blob-2"}, req["file_ids"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"files": []map[string]interface{}{
				{
					"file_id":   "blob-1",
					"file_name": "a.jpg",
					"content":   base64.StdEncoding.EncodeToString([]byte("payload")),
					"mime_type": "image/jpeg",
					"file_size": 7,
				},
			},
			"total":  1,
			"failed": 1,
			"errors": []map[string]interface{}{{"file_id": "blob-2", "error": "File not found"}},
		})
	}))
	defer server.Close()

	client := NewFilesClient(server.URL, arbor.NewLogger())
	files, err := client.BatchDownload(context.Background(), []string{"blob-1", "blob-2"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "blob-1", files[0].FileID)
	assert.Equal(t, []byte("payload"), files[0].Data)
}

func TestFilesDownloadNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewFilesClient(server.URL, arbor.NewLogger())
	_, err := client.Download(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestFilesDeleteMissingIsOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewFilesClient(server.URL, arbor.NewLogger())
	assert.NoError(t, client.Delete(context.Background(), "already-gone"))
}

func TestFilesUnavailable(t *testing.T) {
	client := NewFilesClient("http://127.0.0.1:1", arbor.NewLogger())
	_, err := client.Download(context.Background(), "blob-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
}
