package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"backline/internal/config"
	"backline/internal/logging"
	"backline/internal/models"
	"backline/internal/worker"

	"github.com/rs/zerolog"
)

// Client talks to the external accounting system over HTTP. The remote
// side upserts on every write, so repeating a push or re-requesting a
// chunk range is safe.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout.Std()},
		logger:  logging.ForComponent(logger, "remote"),
	}
}

// InvoiceOrder asks the remote system to create an invoice for one order.
// Not idempotent on the remote side.
func (c *Client) InvoiceOrder(ctx context.Context, organizationID int64, orderID string) error {
	return c.post(ctx, "/v1/invoices", map[string]any{
		"organization_id": organizationID,
		"order_id":        orderID,
	}, nil)
}

func (c *Client) PushEntities(ctx context.Context, organizationID int64, entityType string, entityIDs []string) error {
	return c.post(ctx, "/v1/sync/push", map[string]any{
		"organization_id": organizationID,
		"entity_type":     entityType,
		"entity_ids":      entityIDs,
	}, nil)
}

func (c *Client) PullEntities(ctx context.Context, organizationID int64, entityType string, entityIDs []string) error {
	return c.post(ctx, "/v1/sync/pull", map[string]any{
		"organization_id": organizationID,
		"entity_type":     entityType,
		"entity_ids":      entityIDs,
	}, nil)
}

func (c *Client) SyncChunk(ctx context.Context, organizationID int64, entityType string, direction models.SyncDirection, offset, limit int) (worker.ChunkResult, error) {
	var resp struct {
		NextOffset int  `json:"next_offset"`
		Done       bool `json:"done"`
	}
	err := c.post(ctx, "/v1/sync/chunk", map[string]any{
		"organization_id": organizationID,
		"entity_type":     entityType,
		"direction":       direction,
		"offset":          offset,
		"limit":           limit,
	}, &resp)
	if err != nil {
		return worker.ChunkResult{}, err
	}
	return worker.ChunkResult{NextOffset: resp.NextOffset, Done: resp.Done}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failure: the whole remote is unreachable.
		return fmt.Errorf("%w: %v", worker.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, path); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) checkStatus(resp *http.Response, path string) error {
	if resp.StatusCode < 300 {
		return nil
	}

	msg := remoteErrorMessage(resp.Body)
	c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Str("remote_error", msg).
		Msg("remote call rejected")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Bad credentials never heal on retry.
		return &worker.FatalError{Err: fmt.Errorf("remote auth failed (%d): %s", resp.StatusCode, msg)}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", worker.ErrRemoteUnavailable, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("remote error (%d): %s", resp.StatusCode, msg)
	default:
		return fmt.Errorf("remote rejected request (%d): %s", resp.StatusCode, msg)
	}
}

func remoteErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}

	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return string(raw)
}
