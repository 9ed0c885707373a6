package notes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ProofInputs is the flat input object the withdrawal circuit consumes.
// Owner, Blinding and NullifierSecret are private inputs.
type ProofInputs struct {
	Root            string            `json:"root"`
	Nullifier       string            `json:"nullifier"`
	Recipient       string            `json:"recipient"`
	Amount          uint64            `json:"amount"`
	Mint            string            `json:"mint"`
	Commitment      string            `json:"commitment"`
	Leaf            string            `json:"leaf"`
	Index           uint64            `json:"index"`
	Siblings        [TreeDepth]string `json:"siblings"`
	Owner           string            `json:"owner"`
	Blinding        string            `json:"blinding"`
	NullifierSecret string            `json:"nullifier_secret"`
}

func (p *ProofInputs) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("root", p.Root),
		slog.String("nullifier", p.Nullifier),
		slog.String("commitment", p.Commitment),
		slog.Uint64("amount", p.Amount),
		slog.Uint64("index", p.Index),
	)
}

// PublicBytes returns the root and nullifier as the unshield instruction
// takes them.
func (p *ProofInputs) PublicBytes() (root, nullifier [32]byte, err error) {
	r, err := parseField("root", p.Root)
	if err != nil {
		return root, nullifier, err
	}
	n, err := parseField("nullifier", p.Nullifier)
	if err != nil {
		return root, nullifier, err
	}
	return FieldBytes(r), FieldBytes(n), nil
}

type Prover interface {
	Prove(ctx context.Context, inputs *ProofInputs) ([]byte, error)
}

// HTTPProver posts inputs to a local proving service.
type HTTPProver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProver(baseURL string, timeout time.Duration) *HTTPProver {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPProver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type proveRequest struct {
	Inputs *ProofInputs `json:"inputs"`
}

type proveResponse struct {
	Proof string `json:"proof"`
}

func (p *HTTPProver) Prove(ctx context.Context, inputs *ProofInputs) ([]byte, error) {
	payload, err := json.Marshal(proveRequest{Inputs: inputs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/prove", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prover request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read prover response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prover returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out proveResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode prover response: %w", err)
	}
	proof, err := base64.StdEncoding.DecodeString(out.Proof)
	if err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	if len(proof) == 0 {
		return nil, fmt.Errorf("prover returned an empty proof")
	}
	return proof, nil
}
