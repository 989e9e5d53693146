package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ScanVerdict is the virus-scan collaborator's answer.
type ScanVerdict struct {
	IsClean bool   `json:"isClean"`
	Threat  string `json:"threat,omitempty"`
}

// ScannerService asks an external scanning service about a source file
// before it is enqueued. With no base URL every file is reported clean.
type ScannerService struct {
	baseURL string
	client  *http.Client
}

func NewScannerService(baseURL string) *ScannerService {
	return &ScannerService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ScannerService) Scan(ctx context.Context, sourceFile string) (*ScanVerdict, error) {
	if s.baseURL == "" {
		return &ScanVerdict{IsClean: true}, nil
	}

	payload, err := json.Marshal(map[string]string{"file": sourceFile})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/scan", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scanner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scanner returned status %d: %s", resp.StatusCode, string(body))
	}

	var verdict ScanVerdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("failed to decode scanner response: %w", err)
	}
	return &verdict, nil
}
