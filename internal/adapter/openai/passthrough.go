package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Forward posts body unchanged to path under the upstream base URL. The
// caller owns the returned response body.
func (c *Client) Forward(ctx context.Context, apiKey, path, contentType string, body io.Reader) (*http.Response, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	if contentType == "" {
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+strings.TrimPrefix(path, "/"), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, upstreamError(err)
	}
	return resp, nil
}
