package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/interfaces"
	"github.com/ternarybob/linewatch/internal/models"
)

const (
	detectorTimeout     = 60 * time.Second
	detectorPingTimeout = 5 * time.Second
)

// DetectorClient talks to the object detection service. One image per request.
type DetectorClient struct {
	baseURL      string
	maxFileBytes int64
	client       *http.Client
	pingClient   *http.Client
	logger       arbor.ILogger
}

// NewDetectorClient creates a detector service client. maxFileBytes caps the
// payload size sent per request.
func NewDetectorClient(baseURL string, maxFileBytes int64, logger arbor.ILogger) interfaces.DetectorGateway {
	return &DetectorClient{
		baseURL:      baseURL,
		maxFileBytes: maxFileBytes,
		client:       &http.Client{Timeout: detectorTimeout},
		pingClient:   &http.Client{Timeout: detectorPingTimeout},
		logger:       logger,
	}
}

func (c *DetectorClient) Predict(ctx context.Context, fileName string, data []byte, contentType string, confidence float64) (*models.AnalysisSummary, error) {
	if c.maxFileBytes > 0 && int64(len(data)) > c.maxFileBytes {
		return nil, apperrors.Oversize("file %s exceeds detector size limit (%d bytes)", fileName, c.maxFileBytes)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := createFilePart(writer, "file", fileName, contentType)
	if err != nil {
		return nil, apperrors.Internal("failed to build predict request", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, apperrors.Internal("failed to build predict request", err)
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.Internal("failed to build predict request", err)
	}

	url := fmt.Sprintf("%s/predict?conf=%g", c.baseURL, confidence)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, apperrors.Internal("failed to build predict request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.Upstream(http.StatusGatewayTimeout, "detector service timed out")
		}
		return nil, apperrors.Unavailable("detector service unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.Upstream(resp.StatusCode, fmt.Sprintf("detector service error: %s", string(msg)))
	}

	var summary models.AnalysisSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstream, "invalid detector response", err)
	}
	return &summary, nil
}

// Ping probes the detector's health endpoint.
func (c *DetectorClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return apperrors.Internal("failed to build health request", err)
	}

	resp, err := c.pingClient.Do(req)
	if err != nil {
		return apperrors.Unavailable("detector service unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.Upstream(resp.StatusCode, "detector service unhealthy")
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
