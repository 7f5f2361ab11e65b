package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/metorial/aegis/internal/models"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	httpClient := cleanhttp.DefaultClient()
	httpClient.Timeout = 30 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (c *Client) Health() (map[string]interface{}, error) {
	return c.get("/api/v1/health")
}

func (c *Client) Stats() (map[string]interface{}, error) {
	return c.get("/api/v1/stats")
}

func (c *Client) History(limit int) (map[string]interface{}, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	return c.get(path)
}

func (c *Client) Outcomes(limit int) (map[string]interface{}, error) {
	path := "/api/v1/outcomes"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	return c.get(path)
}

func (c *Client) Snapshot() (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := c.getJSON("/api/v1/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Watch streams snapshots to fn until ctx is cancelled, the connection
// drops or fn returns an error. Cancellation returns nil.
func (c *Client) Watch(ctx context.Context, fn func(*models.Snapshot) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read snapshot: %w", err)
		}

		var snap models.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if err := fn(&snap); err != nil {
			return err
		}
	}
}

// Send delivers one control command over the push channel. The agent does
// not acknowledge commands; check Outcomes for the result.
func (c *Client) Send(ctx context.Context, cmd models.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(5*time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.wsURL()
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) get(path string) (map[string]interface{}, error) {
	var result map[string]interface{}
	if err := c.getJSON(path, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) getJSON(path string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
