package interfaces

import (
	"context"
	"io"

	"github.com/ternarybob/linewatch/internal/models"
)

// Blob categories understood by the files service.
const (
	FileTypeOriginal = "ANALYSIS_ORIGINAL"
	FileTypePreview  = "ANALYSIS_PREVIEW"
	FileTypeArchive  = "ANALYSIS_ARCHIVE"
)

// StoredFile describes a blob held by the files service.
type StoredFile struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type,omitempty"`
}

// BatchUploadItem is one file in a batch upload request.
type BatchUploadItem struct {
	FileName    string
	ContentType string
	Data        []byte
}

// BatchUploadResult is the per-item outcome of a batch upload. Failed items
// carry an error message instead of a stored file.
type BatchUploadResult struct {
	FileName string
	Stored   *StoredFile
	Error    string
}

// DownloadedFile is one file returned from a batch download.
type DownloadedFile struct {
	FileID   string
	FileName string
	MimeType string
	Data     []byte
}

// FileGateway - client for the blob storage collaborator
type FileGateway interface {
	Upload(ctx context.Context, fileName, contentType string, data []byte, projectID, fileType string) (*StoredFile, error)
	// UploadStream uploads without buffering the whole payload in memory.
	UploadStream(ctx context.Context, fileName, contentType string, r io.Reader, projectID, fileType string) (*StoredFile, error)
	BatchUpload(ctx context.Context, items []BatchUploadItem, projectID, fileType string) ([]BatchUploadResult, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	// DownloadTo streams the blob into w, for archives too large to buffer.
	DownloadTo(ctx context.Context, fileID string, w io.Writer) error
	BatchDownload(ctx context.Context, fileIDs []string) ([]DownloadedFile, error)
	GetMetadata(ctx context.Context, fileID string) (*StoredFile, error)
	// Delete removes a blob; a missing blob is not an error.
	Delete(ctx context.Context, fileID string) error
}

// DetectorGateway - client for the object detection collaborator
type DetectorGateway interface {
	Predict(ctx context.Context, fileName string, data []byte, contentType string, confidence float64) (*models.AnalysisSummary, error)
	Ping(ctx context.Context) error
}

// AnnotationResult is the annotation collaborator's response.
type AnnotationResult struct {
	Success  bool   `json:"success"`
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Message  string `json:"message,omitempty"`
}

// AnnotatorGateway - client for the image annotation collaborator
type AnnotatorGateway interface {
	Annotate(ctx context.Context, fileID string, boxes []models.ManualBox, projectID, fileType string) (*AnnotationResult, error)
}

// AuthGateway - client for remote token verification
type AuthGateway interface {
	VerifyToken(ctx context.Context, token string) (map[string]interface{}, error)
}
