package directory

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
)

// ErrUnknownPeer is returned by Heartbeat when the record has expired.
var ErrUnknownPeer = errors.New("directory: unknown peer")

// Client talks to a directory service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) peersURL(key RoomKey) string {
	return fmt.Sprintf("%s/rooms/%s/%s/peers", c.baseURL, url.PathEscape(key.App), url.PathEscape(key.Room))
}

func (c *Client) Register(ctx context.Context, key RoomKey, info PeerInfo) error {
	body, err := json.Marshal(registerRequest{ID: info.ID, Address: info.Address})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.peersURL(key), body)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("register: unexpected status %s", resp.Status)
	}
	return nil
}

func (c *Client) Heartbeat(ctx context.Context, key RoomKey, id string) error {
	resp, err := c.do(ctx, http.MethodPost, c.peersURL(key)+"/"+url.PathEscape(id)+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrUnknownPeer
	default:
		return fmt.Errorf("heartbeat: unexpected status %s", resp.Status)
	}
}

func (c *Client) Deregister(ctx context.Context, key RoomKey, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.peersURL(key)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("deregister: unexpected status %s", resp.Status)
	}
	return nil
}

func (c *Client) List(ctx context.Context, key RoomKey) ([]PeerInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, c.peersURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list: unexpected status %s", resp.Status)
	}
	var peers []PeerInfo
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, fmt.Errorf("list: decode: %w", err)
	}
	return peers, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
