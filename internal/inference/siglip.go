package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SiglipClassifier talks to a zero-shot sidecar over HTTP. The sidecar holds
// the model; the agent only ships frames and candidate labels.
type SiglipClassifier struct {
	endpoint string
	labels   []string
	hc       *http.Client
}

func NewSiglipClassifier(endpoint string, labels []string) *SiglipClassifier {
	return &SiglipClassifier{
		endpoint: endpoint,
		labels:   labels,
		hc:       &http.Client{Timeout: 30 * time.Second},
	}
}

type siglipRequest struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Labels []string `json:"labels"`
	Image  string   `json:"image"`
}

type siglipResponse struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func (c *SiglipClassifier) Classify(ctx context.Context, frame *Frame) (*Result, error) {
	body, err := json.Marshal(siglipRequest{
		Width:  frame.Width,
		Height: frame.Height,
		Labels: c.labels,
		Image:  base64.StdEncoding.EncodeToString(frame.Pixels),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("zero-shot endpoint returned %s", resp.Status)
	}

	var out siglipResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode zero-shot response: %w", err)
	}
	if out.Label == "" {
		out.Label = "ZSAD"
	}
	return &Result{Label: out.Label, Score: out.Score}, nil
}
