package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shaiso/Stagehand/internal/telemetry"
)

const (
	defaultHTTPTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 1 << 20
)

// HTTPExecutor выполняет стадии типа "http": запуск CI, запись в
// репозиторий, вебхуки трекера задач.
//
// Config:
//   - url (string, обязательно)
//   - method (string, GET по умолчанию)
//   - query, headers (map): параметры строки запроса и заголовки
//   - body (any): тело, сериализуется в JSON
//   - timeout_sec (number, 30 по умолчанию)
//   - expect_status ([]number): допустимые коды; по умолчанию любой < 400
//   - max_response_bytes (number, 1 MiB по умолчанию)
//
// Outputs: status_code, headers, body (JSON или строка), duration_ms.
type HTTPExecutor struct {
	// Client — nil означает http.DefaultClient.
	Client *http.Client
}

// httpCall — подготовленный запрос стадии.
type httpCall struct {
	req      *http.Request
	expect   map[int]bool
	maxBytes int64
}

func (e *HTTPExecutor) Execute(ctx context.Context, r *Request) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, getSeconds(r.Config, "timeout_sec", defaultHTTPTimeout))
	defer cancel()

	call, err := newHTTPCall(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	telemetry.FromContext(ctx).Debug("http call", "method", call.req.Method, "url", call.req.URL.Redacted())

	start := time.Now()
	resp, err := client.Do(call.req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, call.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	if !call.accepts(resp.StatusCode) {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrHTTPStatus, resp.StatusCode, truncate(string(raw), 200))
	}

	out := responseOutputs(resp, raw)
	out["duration_ms"] = time.Since(start).Milliseconds()
	return out, nil
}

func newHTTPCall(ctx context.Context, r *Request) (*httpCall, error) {
	target := getString(r.Config, "url", "")
	if target == "" {
		return nil, fmt.Errorf("url is required")
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse url: %v", err)
	}
	if query := stringMap(r.Config["query"]); len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if v, ok := r.Config["body"]; ok && v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %v", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, getString(r.Config, "method", http.MethodGet), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %v", err)
	}
	for k, v := range stringMap(r.Config["headers"]) {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Stagehand-Run", r.RunID)
	req.Header.Set("X-Stagehand-Unit", r.UnitID)
	req.Header.Set("X-Stagehand-Attempt", strconv.Itoa(r.Attempt))

	call := &httpCall{
		req:      req,
		maxBytes: int64(getFloat(r.Config, "max_response_bytes", defaultMaxResponseBytes)),
	}
	if call.maxBytes <= 0 {
		call.maxBytes = defaultMaxResponseBytes
	}
	if codes, ok := r.Config["expect_status"].([]any); ok {
		call.expect = make(map[int]bool, len(codes))
		for _, c := range codes {
			if n, ok := toFloat(c); ok && n > 0 {
				call.expect[int(n)] = true
			}
		}
	}
	return call, nil
}

func (c *httpCall) accepts(code int) bool {
	if len(c.expect) > 0 {
		return c.expect[code]
	}
	return code < http.StatusBadRequest
}

func responseOutputs(resp *http.Response, raw []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var body any
	if json.Unmarshal(raw, &body) != nil {
		body = string(raw)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
	}
}

// stringMap принимает map[string]any (JSON/YAML/HCL) и map[string]string,
// нестроковые значения форматируются через %v.
func stringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			} else {
				out[k] = fmt.Sprint(val)
			}
		}
		return out
	}
	return nil
}
