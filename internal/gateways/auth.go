package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/apperrors"
	"github.com/ternarybob/linewatch/internal/interfaces"
)

const authTimeout = 10 * time.Second

// AuthClient talks to the auth service. Token verification is normally done
// locally with the shared signing secret; this client is the fallback when no
// secret is configured.
type AuthClient struct {
	baseURL string
	client  *http.Client
	logger  arbor.ILogger
}

// NewAuthClient creates an auth service client
func NewAuthClient(baseURL string, logger arbor.ILogger) interfaces.AuthGateway {
	return &AuthClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: authTimeout},
		logger:  logger,
	}
}

func (c *AuthClient) VerifyToken(ctx context.Context, token string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, apperrors.Internal("failed to build verify request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Unavailable("auth service unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.Upstream(http.StatusUnauthorized, "invalid or expired token")
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.Upstream(resp.StatusCode, fmt.Sprintf("auth service error: %s", string(msg)))
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstream, "invalid auth response", err)
	}
	return claims, nil
}
