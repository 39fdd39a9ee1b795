package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultCallTimeout = 60 * time.Second

// HTTPClient calls a generation/embedding sidecar over JSON HTTP. The
// sidecar owns the vendor specifics; this client only does transport,
// auth header passthrough, and transient-error classification.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client for the given sidecar base URL. token is
// sent as a bearer header when non-empty.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Generate implements TextGenerator via POST {base}/v1/generate.
func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	var resp GenerateResponse
	if err := c.post(ctx, "/v1/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Embed implements Embedder via POST {base}/v1/embed.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float64, error) {
	var resp struct {
		Vector []float64 `json:"vector"`
	}
	if err := c.post(ctx, "/v1/embed", map[string]string{"text": text}, &resp); err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Connection failures and client-side timeouts are worth retrying.
		return fmt.Errorf("%w: %s", ErrTransient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: gateway returned %d: %s", ErrTransient, resp.StatusCode, data)
		}
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, data)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
