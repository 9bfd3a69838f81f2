package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"console_agent/internal/config"
	"console_agent/internal/logger"
)

// BackendClient reads clusters and services from the infrastructure API.
// Responses are wrapped as {"data": ...}. Throttling, gateway errors and
// transport failures are retried with exponential backoff.
type BackendClient struct {
	baseURL    string
	token      string
	http       *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	log        zerolog.Logger
}

func NewBackendClient(cfg config.BackendConfig) *BackendClient {
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &BackendClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		http:       &http.Client{Timeout: cfg.Timeout},
		maxRetries: uint64(retries),
		baseDelay:  delay,
		log:        logger.Component("backend"),
	}
}

// BackendError is a non-2xx answer from the infrastructure API.
type BackendError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *BackendError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

type envelope[T any] struct {
	Data T `json:"data"`
}

func (c *BackendClient) ListClusters(ctx context.Context, filter ClusterFilter) ([]Cluster, error) {
	query := url.Values{}
	if filter.ProjectID != "" {
		query.Set("project_id", filter.ProjectID)
	}
	if filter.Keyword != "" {
		query.Set("keyword", filter.Keyword)
	}

	var resp envelope[[]Cluster]
	if err := c.get(ctx, "/api/v1/clusters", query, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *BackendClient) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	var resp envelope[*Cluster]
	if err := c.get(ctx, "/api/v1/clusters/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("cluster %s: %w", id, ErrNotFound)
	}
	return resp.Data, nil
}

func (c *BackendClient) ListServices(ctx context.Context, filter ServiceFilter) ([]Service, error) {
	query := url.Values{}
	if filter.ProjectID != "" {
		query.Set("project_id", filter.ProjectID)
	}
	if filter.WorkspaceID != "" {
		query.Set("workspace_id", filter.WorkspaceID)
	}
	if filter.ClusterID != "" {
		query.Set("cluster_id", filter.ClusterID)
	}

	var resp envelope[[]Service]
	if err := c.get(ctx, "/api/v1/services", query, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *BackendClient) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return c.fetch(ctx, path, target, out)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx), func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Dur("retry_in", wait).Msg("Backend call failed, retrying")
	})
}

// fetch performs one request. Errors that cannot succeed on retry are
// marked permanent.
func (c *BackendClient) fetch(ctx context.Context, path, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(fmt.Errorf("calling backend %s: %w", path, err))
		}
		return fmt.Errorf("calling backend %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading backend response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%s: %w", path, ErrNotFound))
	case resp.StatusCode >= 300:
		backendErr := &BackendError{Path: path, StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		if backendErr.Retryable() {
			return backendErr
		}
		return backoff.Permanent(backendErr)
	}

	if err := sonic.Unmarshal(body, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding backend response: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
