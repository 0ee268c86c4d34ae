// Package client issues single JSON-RPC calls to a picomcp HTTP endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"picomcp/internal/mcp"
)

// Client talks to one endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
	log      logrus.FieldLogger
}

func New(endpoint string, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

// Reply is a decoded JSON-RPC response.
type Reply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *mcp.Error      `json:"error,omitempty"`
}

// Call sends method with params and returns the decoded reply. A protocol
// error is returned in Reply.Error, not as err. Notifications, which get no
// reply, return a nil Reply.
func (c *Client) Call(ctx context.Context, method string, params any) (*Reply, error) {
	return c.send(ctx, method, params, false)
}

// Notify sends method as a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	_, err := c.send(ctx, method, params, true)
	return err
}

func (c *Client) send(ctx context.Context, method string, params any, notify bool) (*Reply, error) {
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	if !notify {
		msg["id"] = c.nextID.Add(1)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", reqID)
	c.log.WithFields(logrus.Fields{"method": method, "request_id": reqID}).Debug("calling")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return &reply, nil
}

// Text extracts the human-readable part of a result: the text items of a
// tool result or of resource contents, joined by blank lines. Results of any
// other shape are returned as indented JSON.
func Text(result json.RawMessage) string {
	var shaped struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Contents []struct {
			URI  string  `json:"uri"`
			Text *string `json:"text"`
			Blob *string `json:"blob"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(result, &shaped); err == nil {
		var parts []string
		for _, c := range shaped.Content {
			if c.Type == "text" {
				parts = append(parts, c.Text)
			}
		}
		for _, c := range shaped.Contents {
			switch {
			case c.Text != nil:
				parts = append(parts, *c.Text)
			case c.Blob != nil:
				parts = append(parts, fmt.Sprintf("_%s: %d bytes of base64_", c.URI, len(*c.Blob)))
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n")
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		return string(result)
	}
	return "```json\n" + buf.String() + "\n```"
}
