package workload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/openloom/connector-rollout/internal/domain"
	"github.com/openloom/connector-rollout/internal/platform/envutil"
	"github.com/openloom/connector-rollout/internal/platform/httpx"
	"github.com/openloom/connector-rollout/internal/platform/logger"
)

// Client consolidates every workload-service call behind one retrying HTTP
// client with a shared connection pool.
type Client interface {
	GetStatus(ctx context.Context, workloadID string) (types.WorkloadStatus, error)
	ReportFailure(ctx context.Context, workloadID, source, reason string) error
	CreateWorkload(ctx context.Context, req CreateRequest) error
	ListForActor(ctx context.Context, actorDefinitionID uuid.UUID, connectorVersion *uuid.UUID, includeTerminal bool) ([]Summary, error)
}

type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	Retry     httpx.RetryPolicy
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:   envutil.String("WORKLOAD_API_BASE_URL", ""),
		AuthToken: strings.TrimSpace(os.Getenv("WORKLOAD_API_AUTH_TOKEN")),
		Timeout:   envutil.Seconds("WORKLOAD_API_TIMEOUT_SECONDS", 30),
		Retry: httpx.RetryPolicy{
			MaxAttempts:    envutil.Int("WORKLOAD_API_MAX_RETRIES", 5),
			InitialBackoff: envutil.Millis("WORKLOAD_API_BACKOFF_MS", 1000),
			MaxBackoff:     envutil.Millis("WORKLOAD_API_BACKOFF_MAX_MS", 10000),
			Jitter:         0.2,
		},
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing WORKLOAD_API_BASE_URL")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Retry = cfg.Retry.Normalize()

	return &client{
		log:        log.With("client", "WorkloadClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func (c *client) GetStatus(ctx context.Context, workloadID string) (types.WorkloadStatus, error) {
	workloadID = strings.TrimSpace(workloadID)
	if workloadID == "" {
		return "", fmt.Errorf("workload: workloadID required")
	}

	raw, err := c.do(ctx, http.MethodGet, "/api/v1/workload/"+workloadID, nil)
	if err != nil {
		return "", err
	}

	var out statusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decoding status for %s: %v", ErrMalformedResponse, workloadID, err)
	}
	status := types.WorkloadStatus(strings.ToLower(strings.TrimSpace(out.Status)))
	if status == "" {
		return "", fmt.Errorf("%w: empty status for %s", ErrMalformedResponse, workloadID)
	}
	return status, nil
}

// ReportFailure notifies the workload service that a workload failed. The
// call is idempotent: a 409 or 410 means the failure was already recorded
// (or the workload is already terminal) and is treated as success.
func (c *client) ReportFailure(ctx context.Context, workloadID, source, reason string) error {
	workloadID = strings.TrimSpace(workloadID)
	if workloadID == "" {
		return fmt.Errorf("workload: workloadID required")
	}

	body := failureRequest{
		WorkloadID: workloadID,
		Source:     strings.TrimSpace(source),
		Reason:     strings.TrimSpace(reason),
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/workload/failure", body)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && (he.StatusCode == http.StatusConflict || he.StatusCode == http.StatusGone) {
			c.log.Debug("Workload failure already recorded", "workload_id", workloadID, "status", he.StatusCode)
			return nil
		}
		return err
	}
	return nil
}

func (c *client) CreateWorkload(ctx context.Context, req CreateRequest) error {
	if strings.TrimSpace(req.WorkloadID) == "" {
		return fmt.Errorf("workload: workloadId required")
	}
	if req.ActorDefinitionID == uuid.Nil {
		return fmt.Errorf("workload: actorDefinitionId required")
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/workload/create", req)
	if err != nil {
		var he *HTTPError
		// Already created: create is idempotent on workloadId.
		if errors.As(err, &he) && he.StatusCode == http.StatusConflict {
			return nil
		}
		return err
	}
	return nil
}

func (c *client) ListForActor(ctx context.Context, actorDefinitionID uuid.UUID, connectorVersion *uuid.UUID, includeTerminal bool) ([]Summary, error) {
	if actorDefinitionID == uuid.Nil {
		return nil, fmt.Errorf("workload: actorDefinitionId required")
	}
	body := listRequest{
		ActorDefinitionID: actorDefinitionID,
		ConnectorVersion:  connectorVersion,
		IncludeTerminal:   includeTerminal,
	}
	raw, err := c.do(ctx, http.MethodPost, "/api/v1/workload/list", body)
	if err != nil {
		return nil, err
	}
	var out listResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding workload list: %v", ErrMalformedResponse, err)
	}
	return out.Workloads, nil
}

// ---------- HTTP / retry ----------

func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if !httpx.IsRetryableError(err) {
			return nil, err
		}
		if attempt == c.cfg.Retry.MaxAttempts {
			break
		}

		sleepFor := httpx.RetryAfterDuration(resp, c.cfg.Retry.BackoffFor(attempt), c.cfg.Retry.MaxBackoff)

		c.log.Warn("Workload request retrying",
			"method", method,
			"path", path,
			"attempt", attempt,
			"max_attempts", c.cfg.Retry.MaxAttempts,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleepFor):
		}
	}

	return nil, &ConnectivityError{Op: method + " " + path, Err: lastErr}
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}
