package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTree reads the pool's commitment tree from the indexer that follows
// the shielded pool program.
type HTTPTree struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTree(baseURL string, timeout time.Duration) *HTTPTree {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPTree{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type treeRootResponse struct {
	Root string `json:"root"`
}

type treePathResponse struct {
	Index    uint64   `json:"index"`
	Siblings []string `json:"siblings"`
}

func (t *HTTPTree) GetRoot(ctx context.Context) (*big.Int, error) {
	var out treeRootResponse
	if err := t.get(ctx, "/v1/tree/root", nil, &out); err != nil {
		return nil, err
	}
	return parseField("root", out.Root)
}

func (t *HTTPTree) GetProofPath(ctx context.Context, leaf *big.Int) (*ProofPath, error) {
	var out treePathResponse
	if err := t.get(ctx, "/v1/tree/path?leaf="+url.QueryEscape(leaf.String()), ErrLeafNotFound, &out); err != nil {
		return nil, err
	}
	if len(out.Siblings) != TreeDepth {
		return nil, fmt.Errorf("tree path has %d siblings, want %d", len(out.Siblings), TreeDepth)
	}
	path := &ProofPath{Index: out.Index}
	for i, raw := range out.Siblings {
		sibling, err := parseField(fmt.Sprintf("sibling %d", i), raw)
		if err != nil {
			return nil, err
		}
		path.Siblings[i] = sibling
	}
	return path, nil
}

// get decodes a JSON response. A 404 maps to notFound when it is set.
func (t *HTTPTree) get(ctx context.Context, path string, notFound error, destination any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tree request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read tree response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound && notFound != nil:
		return notFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("tree service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, destination); err != nil {
		return fmt.Errorf("decode tree response: %w", err)
	}
	return nil
}
