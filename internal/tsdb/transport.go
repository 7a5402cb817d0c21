package tsdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// Transport performs HTTP requests against the server. The response body,
// when present, is returned as raw JSON. A non-2xx status is an error.
type Transport interface {
	Do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error)
	SetAuthorization(value string)
}

// HealthChecker is implemented by transports that can query server health
// natively.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// clientTransport routes requests through influxdb-client-go's HTTP service
// so authorization headers, timeouts and TLS follow the client's options.
type clientTransport struct {
	client influxdb2.Client
}

func newClientTransport(cfg Config) *clientTransport {
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.QueryTimeout.Seconds())).
		SetMaxRetries(uint(cfg.MaxRetries))
	return &clientTransport{client: influxdb2.NewClientWithOptions(cfg.BaseURL(), "", opts)}
}

func (t *clientTransport) SetAuthorization(value string) {
	t.client.HTTPService().SetAuthorization(value)
}

func (t *clientTransport) Do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	svc := t.client.HTTPService()
	url := strings.TrimSuffix(svc.ServerURL(), "/") + path

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(body) > 0 {
		if body[0] == '{' {
			req.Header.Set("Content-Type", "application/json")
		} else {
			req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		}
	}

	resp, err := svc.DoHTTPRequestWithResponse(req, nil)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

func (t *clientTransport) Health(ctx context.Context) error {
	health, err := t.client.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb unhealthy: %s %s", health.Status, msg)
	}
	return nil
}

func (t *clientTransport) Close() {
	t.client.Close()
}
