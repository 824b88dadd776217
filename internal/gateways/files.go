package gateways

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/interfaces"
)

const (
	filesTimeout      = 30 * time.Second
	filesBatchTimeout = 60 * time.Second
)

// FilesClient talks to the blob storage service. Blobs are addressed by
// opaque ids; uploads are multipart form posts.
type FilesClient struct {
	baseURL     string
	client      *http.Client
	batchClient *http.Client
	logger      arbor.ILogger
}

// NewFilesClient creates a files service client
func NewFilesClient(baseURL string, logger arbor.ILogger) interfaces.FileGateway {
	return &FilesClient{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: filesTimeout},
		batchClient: &http.Client{Timeout: filesBatchTimeout},
		logger:      logger,
	}
}

func (c *FilesClient) Upload(ctx context.Context, fileName, contentType string, data []byte, projectID, fileType string) (*interfaces.StoredFile, error) {
	return c.UploadStream(ctx, fileName, contentType, bytes.NewReader(data), projectID, fileType)
}

func (c *FilesClient) UploadStream(ctx context.Context, fileName, contentType string, r io.Reader, projectID, fileType string) (*interfaces.StoredFile, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if err := writer.WriteField("project_id", projectID); err != nil {
				return err
			}
			if err := writer.WriteField("file_type", fileType); err != nil {
				return err
			}
			part, err := createFilePart(writer, "file", fileName, contentType)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, r); err != nil {
				return err
			}
			return writer.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", pr)
	if err != nil {
		return nil, apperrors.Internal("failed to build upload request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("cannot connect to files service", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}

	var stored storedFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstream, "invalid upload response", err)
	}
	return stored.toStoredFile(), nil
}

func (c *FilesClient) BatchUpload(ctx context.Context, items []interfaces.BatchUploadItem, projectID, fileType string) ([]interfaces.BatchUploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("project_id", projectID); err != nil {
		return nil, apperrors.Internal("failed to build batch upload request", err)
	}
	if err := writer.WriteField("file_type", fileType); err != nil {
		return nil, apperrors.Internal("failed to build batch upload request", err)
	}
	for _, item := range items {
		part, err := createFilePart(writer, "files", item.FileName, item.ContentType)
		if err != nil {
			return nil, apperrors.Internal("failed to build batch upload request", err)
		}
		if _, err := part.Write(item.Data); err != nil {
			return nil, apperrors.Internal("failed to build batch upload request", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.Internal("failed to build batch upload request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/batch-upload", &body)
	if err != nil {
		return nil, apperrors.Internal("failed to build batch upload request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.batchClient.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("cannot connect to files service", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}

	var batch struct {
		Files  []storedFileResponse `json:"files"`
		Total  int                  `json:"total"`
		Failed int                  `json:"failed"`
		Errors []struct {
			Index    int    `json:"index"`
			Filename string `json:"filename"`
			Error    string `json:"error"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstream, "invalid batch upload response", err)
	}

	// Successes come back in submission order with failures removed; the
	// errors list carries the original index of each failure.
	results := make([]interfaces.BatchUploadResult, len(items))
	failed := make(map[int]string, len(batch.Errors))
	for _, e := range batch.Errors {
		failed[e.Index] = e.Error
	}
	next := 0
	for i, item := range items {
		results[i].FileName = item.FileName
		if msg, ok := failed[i]; ok {
			results[i].Error = msg
			continue
		}
		if next < len(batch.Files) {
			results[i].Stored = batch.Files[next].toStoredFile()
			next++
		} else {
			results[i].Error = "missing from batch upload response"
		}
	}
	return results, nil
}

func (c *FilesClient) Download(ctx context.Context, fileID string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.DownloadTo(ctx, fileID, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *FilesClient) DownloadTo(ctx context.Context, fileID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/files/%s/download", c.baseURL, fileID), nil)
	if err != nil {
		return apperrors.Internal("failed to build download request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Unavailable("cannot connect to files service", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.StatusOK); err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return apperrors.Wrap(apperrors.KindUpstream, "download interrupted", err)
	}
	return nil
}

func (c *FilesClient) BatchDownload(ctx context.Context, fileIDs []string) ([]interfaces.DownloadedFile, error) {
	payload, err := json.Marshal(map[string][]string{"file_ids": fileIDs})
	if err != nil {
		return nil, apperrors.Internal("failed to build batch download request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/batch-download", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Internal("failed to build batch download request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.batchClient.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("cannot connect to files service", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var batch struct {
		Files []struct {
			FileID   string `json:"file_id"`
			FileName string `json:"file_name"`
			Content  string `json:"content"`
			MimeType string `json:"mime_type"`
			FileSize int64  `json:"file_size"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstream, "invalid batch download response", err)
	}

	files := make([]interfaces.DownloadedFile, 0, len(batch.Files))
	for _, f := range batch.Files {
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			c.logger.Warn().Str("file_id", f.FileID).Err(err).Msg("Skipping file with invalid base64 content")
			continue
		}
		files = append(files, interfaces.DownloadedFile{
			FileID:   f.FileID,
			FileName: f.FileName,
			MimeType: f.MimeType,
			Data:     data,
		})
	}
	return files, nil
}

func (c *FilesClient) GetMetadata(ctx context.Context, fileID string) (*interfaces.StoredFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/files/%s", c.baseURL, fileID), nil)
	if err != nil {
		return nil, apperrors.Internal("failed to build metadata request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("cannot connect to files service", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var stored storedFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstream, "invalid metadata response", err)
	}
	return stored.toStoredFile(), nil
}

// Delete removes a blob. A 404 is treated as success so GC sweeps can retry
// safely.
func (c *FilesClient) Delete(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/files/%s", c.baseURL, fileID), nil)
	if err != nil {
		return apperrors.Internal("failed to build delete request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Unavailable("cannot connect to files service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.checkStatus(resp, http.StatusOK, http.StatusNoContent)
}

// checkStatus maps non-success responses to the error taxonomy.
func (c *FilesClient) checkStatus(resp *http.Response, accept ...int) error {
	for _, code := range accept {
		if resp.StatusCode == code {
			return nil
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return apperrors.NotFound("file not found")
	case http.StatusRequestEntityTooLarge:
		return apperrors.Oversize("file size exceeds maximum allowed size")
	default:
		return apperrors.Upstream(resp.StatusCode, fmt.Sprintf("files service error: %s", string(body)))
	}
}

type storedFileResponse struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}

func (r storedFileResponse) toStoredFile() *interfaces.StoredFile {
	return &interfaces.StoredFile{
		ID:       r.ID,
		FileName: r.FileName,
		FileSize: r.FileSize,
		MimeType: r.MimeType,
	}
}

// createFilePart adds a file part with an explicit content type.
func createFilePart(w *multipart.Writer, field, fileName, contentType string) (io.Writer, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, fileName))
	header.Set("Content-Type", contentType)
	return w.CreatePart(header)
}
