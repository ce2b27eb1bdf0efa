// Package license talks to the license server: status reports go up,
// pipeline requests and definitions come back.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/geostream/pkg/types"
)

var (
	// ErrNotFound: the server does not know the pipeline
	ErrNotFound = errors.New("license: pipeline not found")
	// ErrUnavailable: the server answered with a 5xx status
	ErrUnavailable = errors.New("license: server unavailable")
)

// Client is the subset of the license server the service uses.
type Client interface {
	UpdateStatus(ctx context.Context, report types.StatusReport) (types.LicenseResponse, error)
	GetPipelineDefinition(ctx context.Context, ref types.PipelineRef) (string, error)
}

// HTTPClient speaks JSON over HTTP.
type HTTPClient struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewHTTPClient returns a client for the server at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// UpdateStatus posts report and decodes the pipeline requests in the answer.
func (c *HTTPClient) UpdateStatus(ctx context.Context, report types.StatusReport) (types.LicenseResponse, error) {
	var resp types.LicenseResponse
	body, err := json.Marshal(report)
	if err != nil {
		return resp, fmt.Errorf("license: encode report: %w", err)
	}
	u := fmt.Sprintf("%s/api/v1/nodes/%s/status", c.base, url.PathEscape(report.NodeID))
	err = c.do(ctx, http.MethodPost, u, body, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&resp)
	})
	if err != nil {
		return types.LicenseResponse{}, err
	}
	c.logger.Debug("status report answered", "operations", len(report.Operations), "requests", len(resp.PipelineRequests))
	return resp, nil
}

// GetPipelineDefinition fetches the serialized definition of ref.
func (c *HTTPClient) GetPipelineDefinition(ctx context.Context, ref types.PipelineRef) (string, error) {
	var def string
	u := fmt.Sprintf("%s/api/v1/pipelines/%s/definition", c.base, url.PathEscape(string(ref)))
	err := c.do(ctx, http.MethodGet, u, nil, func(r io.Reader) error {
		b, err := io.ReadAll(r)
		def = string(b)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return def, err
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte, decode func(io.Reader) error) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("license: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("license: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("license: %s %s: %s: %s", method, u, resp.Status, bytes.TrimSpace(msg))
	}
	if err := decode(resp.Body); err != nil {
		return fmt.Errorf("license: decode response: %w", err)
	}
	return nil
}
