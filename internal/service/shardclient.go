package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sumire/aidev/internal/domain"
)

// ShardError is a non-2xx answer from a shard that maps to no sentinel.
type ShardError struct {
	Status  int
	Message string
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard returned %d: %s", e.Status, e.Message)
}

// ShardClient calls the shard agent HTTP API.
type ShardClient struct {
	http *http.Client
}

// NewShardClient creates a ShardClient whose requests give up after timeout.
func NewShardClient(timeout time.Duration) *ShardClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShardClient{http: &http.Client{Timeout: timeout}}
}

func (c *ShardClient) do(ctx context.Context, s domain.Shard, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode shard request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.BaseURL, "/")+path, r)
	if err != nil {
		return fmt.Errorf("build shard request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("shard %s %s %s: %w", s.Name, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return shardError(s, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode shard %s response: %w", s.Name, err)
	}
	return nil
}

func shardError(s domain.Shard, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	var body domain.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("shard %s: %w", s.Name, domain.ErrCapacity)
	case http.StatusNotFound:
		return fmt.Errorf("shard %s: %w", s.Name, domain.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("shard %s: %s: %w", s.Name, msg, domain.ErrUnauthorized)
	}
	return &ShardError{Status: resp.StatusCode, Message: msg}
}

// Execute submits a run. A full shard yields domain.ErrCapacity.
func (c *ShardClient) Execute(ctx context.Context, s domain.Shard, req domain.ExecuteRequest) (*domain.ExecuteResponse, error) {
	var resp domain.ExecuteResponse
	if err := c.do(ctx, s, http.MethodPost, "/job/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches a run snapshot. An unknown run yields domain.ErrNotFound.
func (c *ShardClient) Status(ctx context.Context, s domain.Shard, jobID string) (*domain.RunSnapshot, error) {
	var snap domain.RunSnapshot
	if err := c.do(ctx, s, http.MethodGet, "/job/"+url.PathEscape(jobID)+"/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Cancel asks the shard to stop a run. A run that already finished yields
// domain.ErrNotCancellable.
func (c *ShardClient) Cancel(ctx context.Context, s domain.Shard, jobID string) error {
	err := c.do(ctx, s, http.MethodPost, "/job/"+url.PathEscape(jobID)+"/cancel", nil, nil)
	var se *ShardError
	if errors.As(err, &se) && se.Status == http.StatusBadRequest {
		return fmt.Errorf("shard %s: %w", s.Name, domain.ErrNotCancellable)
	}
	return err
}

// Health probes the unauthenticated health endpoint.
func (c *ShardClient) Health(ctx context.Context, s domain.Shard) (*domain.HealthResponse, error) {
	var h domain.HealthResponse
	if err := c.do(ctx, s, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
