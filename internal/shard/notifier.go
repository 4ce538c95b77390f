package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sumire/aidev/internal/domain"
)

// maxCallbackOutput caps the raw agent output carried in a callback.
const maxCallbackOutput = 64 << 10

// Notifier delivers run callbacks to the main server.
type Notifier struct {
	client *http.Client
}

func NewNotifier(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{client: &http.Client{Timeout: timeout}}
}

// Send POSTs cb to url. Any non-2xx answer is an error.
func (n *Notifier) Send(ctx context.Context, url, token string, cb domain.Callback) error {
	if cb.Result != nil {
		r := *cb.Result
		r.RawOutput = tail(r.RawOutput, maxCallbackOutput)
		r.Stderr = tail(r.Stderr, maxCallbackOutput)
		cb.Result = &r
	}

	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback rejected with status %d", resp.StatusCode)
	}
	return nil
}
