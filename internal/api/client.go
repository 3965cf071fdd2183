package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"sipvideoroom/native/internal/domain"
)

type infoResponse struct {
	Janus string `json:"janus"`
	domain.ServerInfo
	Error *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// Client queries the gateway's REST info endpoint.
type Client struct {
	http *req.Client
}

// NewClient creates an API client.
func NewClient(timeout time.Duration) *Client {
	return &Client{http: req.C().SetTimeout(timeout).SetUserAgent("sipvideoroom")}
}

// FetchInfo calls <server>/info and returns the gateway's self description.
func (c *Client) FetchInfo(ctx context.Context, server string) (*domain.ServerInfo, error) {
	url := strings.TrimRight(server, "/") + "/info"

	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var info infoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if info.Error != nil {
		return nil, &domain.MessageError{Code: info.Error.Code, Text: info.Error.Reason}
	}
	if info.Janus != "server_info" {
		return nil, fmt.Errorf("unexpected reply %q", info.Janus)
	}
	return &info.ServerInfo, nil
}

// Preflight checks that the gateway answers and has every plugin loaded.
// WebSocket servers have no REST info endpoint and are skipped.
func (c *Client) Preflight(ctx context.Context, server string, plugins ...string) (*domain.ServerInfo, error) {
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		return nil, nil
	}
	info, err := c.FetchInfo(ctx, server)
	if err != nil {
		return nil, &domain.ConnectError{Server: server, Err: err}
	}
	if missing := Missing(info, plugins...); len(missing) > 0 {
		return info, fmt.Errorf("gateway %s lacks plugins: %s", server, strings.Join(missing, ", "))
	}
	return info, nil
}

// Missing lists the plugins info does not report as loaded.
func Missing(info *domain.ServerInfo, plugins ...string) []string {
	var missing []string
	for _, p := range plugins {
		if info == nil || !info.HasPlugin(p) {
			missing = append(missing, p)
		}
	}
	return missing
}
