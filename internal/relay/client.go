package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client settles bundles through a relay server.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Settle(ctx context.Context, b *Bundle) (*Result, error) {
	req, err := EncodeRequest(b)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode settle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/bundles", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var failure FailureResponse
		if err := json.Unmarshal(raw, &failure); err != nil || failure.Error == "" {
			return nil, fmt.Errorf("relay responded %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		// Servers that predate failure kinds only signal them by status.
		var fallback error
		switch resp.StatusCode {
		case http.StatusForbidden:
			fallback = ErrAuthorityMismatch
		case http.StatusBadRequest:
			fallback = ErrInvalidBundle
		}
		return nil, failure.bundleError(fallback)
	}

	var success SettleResponse
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, fmt.Errorf("decode relay response: %w", err)
	}
	return success.result()
}

func (c *Client) Record(ctx context.Context, id string) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/bundles/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrBundleNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay responded %d", resp.StatusCode)
	}
	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode bundle record: %w", err)
	}
	return &record, nil
}
