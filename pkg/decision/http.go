package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a single oracle round trip.
const DefaultHTTPTimeout = 60 * time.Second

// maxResponseBytes caps the decision payload read off the wire.
const maxResponseBytes = 1 << 20

// HTTPOracle calls a decision service over HTTP: the input sample is POSTed
// as JSON and the response body is a loosely-typed decision object.
type HTTPOracle struct {
	url    string
	client *http.Client
}

// HTTPOption customizes an HTTPOracle.
type HTTPOption func(*HTTPOracle)

// WithHTTPClient substitutes the underlying client, e.g. for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *HTTPOracle) { o.client = c }
}

func NewHTTPOracle(url string, opts ...HTTPOption) *HTTPOracle {
	o := &HTTPOracle{
		url:    url,
		client: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *HTTPOracle) Decide(ctx context.Context, in Input) (*MappingDecision, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode oracle input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call oracle: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read oracle response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, previewBody(data))
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse oracle response: %w", err)
	}
	return Decode(payload)
}

func previewBody(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
