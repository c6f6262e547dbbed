package centralserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
)

// Client talks to a Broker's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register creates a session for m served by p and returns its code.
func (c *Client) Register(ctx context.Context, m *manifest.Manifest, p protocol.PeerAddress) (string, error) {
	raw, err := manifest.Marshal(m)
	if err != nil {
		return "", err
	}
	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/register", RegisterRequest{Manifest: raw, Peer: p}, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

// Info returns the session behind code. Unknown or expired codes yield
// errdefs.ErrNotFound.
func (c *Client) Info(ctx context.Context, code string) (*InfoResponse, error) {
	var resp InfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/get_info/"+url.PathEscape(code), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Manifest != nil {
		if err := resp.Manifest.Validate(); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}

// Manifest fetches and validates the manifest artifact behind code.
func (c *Client) Manifest(ctx context.Context, code string) (*manifest.Manifest, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/manifest/"+url.PathEscape(code), nil, &raw); err != nil {
		return nil, err
	}
	return manifest.Unmarshal(raw)
}

// AddPeer announces another peer serving code.
func (c *Client) AddPeer(ctx context.Context, code string, p protocol.PeerAddress) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(code)+"/peers", AddPeerRequest{Peer: p}, nil)
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: broker %s: %v", errdefs.ErrNetwork, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", errdefs.ErrNotFound, e.Error)
		case http.StatusBadRequest:
			return fmt.Errorf("broker rejected request: %s", e.Error)
		default:
			return fmt.Errorf("broker error (%d): %s", resp.StatusCode, e.Error)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: bad broker response: %v", errdefs.ErrProtocol, err)
	}
	return nil
}
