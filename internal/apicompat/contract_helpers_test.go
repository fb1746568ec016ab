// Package apicompat checks a running server against the HTTP contract browser clients rely on.
// Every test skips unless the server answers at SURVEILLANCE_BASE_URL.
package apicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:5600"
	defaultRequestTimeout = 2 * time.Second
)

type contractClient struct {
	baseURL string
	client  *http.Client
}

func newContractClient(t *testing.T) *contractClient {
	t.Helper()
	baseURL := os.Getenv("SURVEILLANCE_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/test_server") {
		t.Skipf("server not reachable at %s (set SURVEILLANCE_BASE_URL to run)", baseURL)
	}
	return &contractClient{baseURL: baseURL, client: client}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *contractClient) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *contractClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return c.do(t, req)
}

func (c *contractClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(t, req)
}

func (c *contractClient) postForm(t *testing.T, path string, fields map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(t, req)
}

// sseEvent is one data line read from an event stream.
type sseEvent struct {
	payload map[string]any
	header  http.Header
	err     error
}

// readSSEEvent returns the first data event, skipping keepalive comments.
func readSSEEvent(ctx context.Context, url string) sseEvent {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sseEvent{err: fmt.Errorf("build request: %w", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return sseEvent{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		n, readErr := resp.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		for {
			idx := bytes.Index(buf, []byte("\n\n"))
			if idx < 0 {
				break
			}
			block := string(buf[:idx])
			buf = buf[idx+2:]
			if !strings.HasPrefix(block, "data:") {
				continue
			}
			var payload map[string]any
			data := strings.TrimSpace(strings.TrimPrefix(block, "data:"))
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				return sseEvent{err: fmt.Errorf("decode event: %w", err)}
			}
			return sseEvent{payload: payload, header: resp.Header}
		}
		if readErr != nil {
			return sseEvent{err: fmt.Errorf("read sse: %w", readErr)}
		}
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertStreamRecord(t *testing.T, rec map[string]any) {
	t.Helper()
	requireString(t, rec["id"], "id")
	requireString(t, rec["name"], "name")
	requireString(t, rec["type"], "type")
	requireString(t, rec["created"], "created")
	switch status := requireString(t, rec["status"], "status"); status {
	case "starting", "streaming", "stopping", "stopped", "error":
	default:
		t.Fatalf("unexpected stream status %q", status)
	}
}
