// Package spawner implements phase.RemoteSpawner against the Fly-style
// machine API named in spec.md section 6: one HTTP POST per task, bearer
// authenticated, returning an opaque machine handle.
package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/batcherr"
	"github.com/yungbote/neurobridge-backend/internal/phase"
	"github.com/yungbote/neurobridge-backend/internal/pkg/httpx"
	"github.com/yungbote/neurobridge-backend/internal/platform/ctxutil"
	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
)

func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// Config configures the Fly machine API client. AppName and BaseURL
// together determine the machines endpoint; Token authenticates as a
// bearer credential (spec.md section 6, Remote machine API).
type Config struct {
	BaseURL    string
	AppName    string
	Token      string
	Region     string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    strings.TrimSpace(envOr("FLY_API_BASE_URL", "https://api.machines.dev/v1")),
		AppName:    strings.TrimSpace(envOr("FLY_APP_NAME", "")),
		Token:      strings.TrimSpace(envOr("FLY_API_TOKEN", "")),
		Region:     strings.TrimSpace(envOr("FLY_REGION", "")),
		Timeout:    30 * time.Second,
		MaxRetries: 2,
	}
}

// Client implements phase.RemoteSpawner.
type Client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

var _ phase.RemoteSpawner = (*Client)(nil)

func New(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("spawner: missing FLY_API_BASE_URL")
	}
	if cfg.AppName == "" {
		return nil, fmt.Errorf("spawner: missing FLY_APP_NAME")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("spawner: missing FLY_API_TOKEN")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		log:        log.With("client", "SpawnerClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type machineConfig struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env"`
	Guest       guestShape        `json:"guest"`
	Restart     restartShape      `json:"restart"`
	AutoDestroy bool              `json:"auto_destroy"`
}

type guestShape struct {
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
	CPUKind  string `json:"cpu_kind,omitempty"`
}

// restartShape disables the machine API's own restart policy: spec.md
// section 6 requires a failed worker to surface as a callback or a
// spawn error the orchestrator retries, never a silent in-place restart
// racing the orchestrator's own retry budget.
type restartShape struct {
	Policy string `json:"policy"`
}

type createMachineRequest struct {
	Region string        `json:"region,omitempty"`
	Config machineConfig `json:"config"`
}

type createMachineResponse struct {
	ID string `json:"id"`
}

// Spawn issues one machine-create call for the task described by req and
// returns the machine's opaque id as the handle. Only failures httpx
// classifies as retryable are retried within this call, up to MaxRetries.
// The final failure is always wrapped with batcherr.KindSpawnTransient:
// transient and permanent failures are not told apart by kind.
func (c *Client) Spawn(ctx context.Context, req phase.SpawnRequest) (string, error) {
	if c == nil || c.httpClient == nil {
		return "", fmt.Errorf("spawner: client unavailable")
	}

	body := createMachineRequest{
		Region: c.cfg.Region,
		Config: machineConfig{
			Image: req.Image,
			Env: map[string]string{
				"TASK_ID":                req.Env.TaskID,
				"BATCH_ID":               req.Env.BatchID,
				"INPUT_KEY":              req.Env.InputKey,
				"CALLBACK_URL":           req.Env.CallbackURL,
				"OBJECT_STORE_ACCOUNT":   req.Env.ObjectStore.AccountID,
				"OBJECT_STORE_ACCESS_KEY": req.Env.ObjectStore.AccessKey,
				"OBJECT_STORE_SECRET_KEY": req.Env.ObjectStore.SecretKey,
				"OBJECT_STORE_BUCKET":    req.Env.ObjectStore.Bucket,
			},
			Guest: guestShape{
				CPUs:     req.Resource.CPUs,
				MemoryMB: req.Resource.MemoryMB,
				CPUKind:  req.Resource.CPUKind,
			},
			Restart:     restartShape{Policy: "no"},
			AutoDestroy: true,
		},
	}
	if req.Resource.Region != "" {
		body.Region = req.Resource.Region
	}

	endpoint := fmt.Sprintf("%s/apps/%s/machines", c.cfg.BaseURL, c.cfg.AppName)

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		handle, resp, err := c.createOnce(ctx, endpoint, body)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			break
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 5*time.Second))
		c.log.Warn("spawn request retrying",
			"task_id", req.Env.TaskID,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}

	return "", batcherr.New(batcherr.KindSpawnTransient, lastErr)
}

func (c *Client) createOnce(ctx context.Context, endpoint string, body createMachineRequest) (string, *http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", resp, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out createMachineResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", resp, fmt.Errorf("spawner: decode error: %w", err)
	}
	if out.ID == "" {
		return "", resp, fmt.Errorf("spawner: machine API returned empty id")
	}
	return out.ID, resp, nil
}

// HTTPError carries the status code so httpx.IsRetryableError can
// classify a non-2xx machine API response as transient or permanent.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("spawner: machine api http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }
