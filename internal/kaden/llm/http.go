package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes bounds how much of a backend response is read.
const maxResponseBytes = 4 << 20

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type exchange struct {
	status  int
	body    []byte
	latency time.Duration
}

// postJSON performs the single outbound call of a Generate invocation.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload any) (*exchange, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: %s: marshal request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("llm: %s: create request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(provider, err)
	}
	return &exchange{status: resp.StatusCode, body: body, latency: time.Since(start)}, nil
}
