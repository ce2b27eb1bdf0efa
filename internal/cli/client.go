package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/geostream/internal/httpapi"
)

// adminClient talks to the admin API of a running node.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(base string, timeout time.Duration) *adminClient {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &adminClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *adminClient) status(ctx context.Context) (httpapi.StatusResponse, error) {
	var resp httpapi.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", &resp)
	return resp, err
}

func (c *adminClient) publish(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/pipelines/"+url.PathEscape(ref)+"/publish", nil)
}

func (c *adminClient) unpublish(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/pipelines/"+url.PathEscape(ref), nil)
}

// post calls one of the bodiless control routes (pause, resume, ...).
func (c *adminClient) post(ctx context.Context, action string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/"+action, nil)
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
