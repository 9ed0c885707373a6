package confidential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// HTTPEncrypter calls an encryption service over HTTP.
type HTTPEncrypter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEncrypter(baseURL string, timeout time.Duration) *HTTPEncrypter {
	return &HTTPEncrypter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type encryptRequest struct {
	Value     string `json:"value"`
	Bits      uint8  `json:"bits"`
	InputType uint8  `json:"input_type"`
}

type encryptResponse struct {
	Ciphertext string `json:"ciphertext"`
}

func (e *HTTPEncrypter) Encrypt(ctx context.Context, value *uint256.Int, width BitWidth) ([]byte, error) {
	var resp encryptResponse
	status, err := postJSON(ctx, e.client, e.baseURL+"/v1/encrypt", encryptRequest{
		Value:     value.ToBig().String(),
		Bits:      uint8(width),
		InputType: width.InputType(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("encryption service returned status %d", status)
	}
	ct, err := ParseCiphertextHex(resp.Ciphertext, width)
	if err != nil {
		return nil, err
	}
	return ct.Data, nil
}

// postJSON sends body and decodes a JSON reply into out when the status is
// 200. Non-200 bodies are returned in the error for diagnostics.
func postJSON(ctx context.Context, client *http.Client, endpoint string, body any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return resp.StatusCode, nil
}

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.Code, e.Body)
}
