package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Submitter records a content hash on the audit ledger and returns the
// transaction reference.
type Submitter interface {
	Submit(ctx context.Context, contentHash, refType string) (string, error)
}

// HTTPSubmitter talks to the ledger service over its REST API.
type HTTPSubmitter struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSubmitter(endpoint string, timeout time.Duration) *HTTPSubmitter {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSubmitter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	ContentHash string `json:"content_hash"`
	RefType     string `json:"ref_type"`
}

type submitResponse struct {
	TxRef string `json:"tx_ref"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, contentHash, refType string) (string, error) {
	body, err := json.Marshal(submitRequest{ContentHash: contentHash, RefType: refType})
	if err != nil {
		return "", fmt.Errorf("failed to encode anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/anchors", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit anchor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ledger returned %d: %s", resp.StatusCode, string(payload))
	}

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode ledger response: %w", err)
	}
	if parsed.TxRef == "" {
		return "", fmt.Errorf("ledger response missing tx_ref")
	}
	return parsed.TxRef, nil
}

// MemorySubmitter is an in-process ledger for tests and local runs.
type MemorySubmitter struct {
	mu      sync.Mutex
	next    int
	records map[string]string

	// FailUntil forces the first N submissions to fail. Test hook.
	FailUntil int
	calls     int
}

func NewMemorySubmitter() *MemorySubmitter {
	return &MemorySubmitter{records: make(map[string]string)}
}

func (s *MemorySubmitter) Submit(_ context.Context, contentHash, refType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.FailUntil {
		return "", fmt.Errorf("simulated ledger outage")
	}
	s.next++
	txRef := fmt.Sprintf("tx_%06d", s.next)
	s.records[contentHash] = txRef
	_ = refType
	return txRef, nil
}

// TxRef reports the transaction reference recorded for a hash, if any.
func (s *MemorySubmitter) TxRef(contentHash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txRef, ok := s.records[contentHash]
	return txRef, ok
}

func (s *MemorySubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
