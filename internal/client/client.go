// Package client talks to a running netmeter daemon.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/protocol"
	"github.com/bigbes/netmeter/internal/server"
)

const defaultTimeout = 5 * time.Second

// Client sends protocol messages over HTTP.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

// New creates a client for the daemon at addr ("host:port" or a URL).
func New(addr, token string, logger *slog.Logger) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("client: parse address %q: %w", addr, err)
	}
	return &Client{
		base:   u,
		token:  token,
		http:   &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// Send posts req and returns the raw response body. Protocol errors are
// returned as *protocol.Error together with the body.
func (c *Client) Send(ctx context.Context, req protocol.Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode %s: %w", req.Action, err)
	}
	status, body, err := c.post(ctx, "/api/message", payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		return body, nil
	}

	var er protocol.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return body, fmt.Errorf("client: %s: unexpected status %d", req.Action, status)
	}
	return body, &protocol.Error{Kind: kindFor(status, er.Error), Message: er.Error}
}

// Call sends req and decodes a successful response into out.
func (c *Client) Call(ctx context.Context, req protocol.Request, out any) error {
	body, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", req.Action, err)
	}
	return nil
}

// Do sends a command and checks for {"success":true}.
func (c *Client) Do(ctx context.Context, req protocol.Request) error {
	var resp protocol.SuccessResponse
	if err := c.Call(ctx, req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("client: %s: not acknowledged", req.Action)
	}
	return nil
}

func (c *Client) GetData(ctx context.Context) (monitor.Data, error) {
	var d monitor.Data
	err := c.Call(ctx, protocol.Request{Action: protocol.ActionGetData}, &d)
	return d, err
}

func (c *Client) GetSettings(ctx context.Context) (protocol.SettingsResponse, error) {
	var s protocol.SettingsResponse
	err := c.Call(ctx, protocol.Request{Action: protocol.ActionGetSettings}, &s)
	return s, err
}

func (c *Client) GetStats(ctx context.Context) (monitor.Stats, error) {
	var s monitor.Stats
	err := c.Call(ctx, protocol.Request{Action: protocol.ActionGetStats}, &s)
	return s, err
}

func (c *Client) StartMonitoring(ctx context.Context) error {
	return c.Do(ctx, protocol.Request{Action: protocol.ActionStartMonitoring})
}

func (c *Client) StopMonitoring(ctx context.Context) error {
	return c.Do(ctx, protocol.Request{Action: protocol.ActionStopMonitoring})
}

// PostEvents ships observed network events to the daemon.
func (c *Client) PostEvents(ctx context.Context, events []server.Event) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("client: encode events: %w", err)
	}
	status, body, err := c.post(ctx, "/api/events", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: post events: status %d: %s", status, bytes.TrimSpace(body))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("client: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("client: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("client: read %s response: %w", path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, body, &protocol.Error{Kind: protocol.KindUnauthorized, Message: "unauthorized"}
	}
	return resp.StatusCode, body, nil
}

// Subscribe connects to the widget push channel and calls handle with
// every received message until ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context, handle func(raw []byte)) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/widget"
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("client: dial widget channel: %w", err)
	}
	defer conn.Close()
	c.logger.Debug("subscribed to widget channel", "host", u.Host)

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client: read widget channel: %w", err)
		}
		handle(raw)
	}
}

func kindFor(status int, msg string) protocol.Kind {
	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return protocol.KindUnauthorized
	case status == http.StatusBadRequest && msg == protocol.MsgInvalidRequest:
		return protocol.KindInvalidRequest
	case status == http.StatusBadRequest:
		return protocol.KindValidation
	default:
		return protocol.KindInternal
	}
}

// IsUnavailable reports whether err means the daemon could not be reached.
func IsUnavailable(err error) bool {
	var pe *protocol.Error
	return err != nil && !errors.As(err, &pe)
}
