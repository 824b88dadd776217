package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
)

const annotatorTimeout = 30 * time.Second

// AnnotatorClient talks to the annotation service, which draws boxes on a
// stored blob and stores the rendered result as a new blob.
type AnnotatorClient struct {
	baseURL string
	client  *http.Client
	logger  arbor.ILogger
}

// NewAnnotatorClient creates an annotation service client
func NewAnnotatorClient(baseURL string, logger arbor.ILogger) interfaces.AnnotatorGateway {
	return &AnnotatorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: annotatorTimeout},
		logger:  logger,
	}
}

func (c *AnnotatorClient) Annotate(ctx context.Context, fileID string, boxes []models.ManualBox, projectID, fileType string) (*interfaces.AnnotationResult, error) {
	if len(boxes) == 0 {
		return nil, apperrors.Validation("at least one box is required")
	}

	type bbox struct {
		X      int `json:"x"`
		Y      int `json:"y"`
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	payload := struct {
		FileID    string `json:"file_id"`
		BBoxes    []bbox `json:"bboxes"`
		ProjectID string `json:"project_id"`
		FileType  string `json:"file_type"`
	}{
		FileID:    fileID,
		ProjectID: projectID,
		FileType:  fileType,
	}
	for _, b := range boxes {
		payload.BBoxes = append(payload.BBoxes, bbox{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Internal("failed to build annotate request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/annotations/annotate", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Internal("failed to build annotate request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("annotation service unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.Upstream(resp.StatusCode, fmt.Sprintf("annotation service error: %s", string(msg)))
	}

	var result interfaces.AnnotationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstream, "invalid annotation response", err)
	}
	return &result, nil
}
