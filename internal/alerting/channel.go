package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrChannelDisabled is returned by Send on a disabled channel.
var ErrChannelDisabled = errors.New("alert channel disabled")

// Channel delivers alerts to one sink. Send must honour ctx cancellation.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
	Enabled() bool
	Enable()
	Disable()
}

// toggle carries the enable flag shared by every channel.
type toggle struct {
	disabled atomic.Bool
}

func (t *toggle) Enabled() bool { return !t.disabled.Load() }
func (t *toggle) Enable()       { t.disabled.Store(false) }
func (t *toggle) Disable()      { t.disabled.Store(true) }

var httpClient = &http.Client{
	Timeout: 10 * time.Second,
}

// sendJSON marshals payload and issues method to url. Any non-2xx response
// is an error.
func sendJSON(ctx context.Context, client *http.Client, method, url string, payload interface{}, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, url, resp.StatusCode)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
