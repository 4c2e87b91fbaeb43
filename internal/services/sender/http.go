package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// postJSON sends body as JSON and returns the status and at most 64KiB of the
// response. Transport errors and retryable statuses come back as transient.
func postJSON(ctx context.Context, c *http.Client, url string, timeout time.Duration, headers map[string]string, body any) (int, []byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, nil, Permanent(fmt.Errorf("encode request: %w", err))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, nil, Transient(fmt.Errorf("post %s: %w", req.URL.Host, err))
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return code, out, nil
	case StatusRetryable(code):
		return code, out, Transient(fmt.Errorf("%s responded %d", req.URL.Host, code))
	default:
		return code, out, Permanent(fmt.Errorf("%s responded %d: %s", req.URL.Host, code, bytes.TrimSpace(out)))
	}
}
