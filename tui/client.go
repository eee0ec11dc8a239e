// tui/client.go
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/prompt-ledger/internal/broadcast"
	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Client reads batch status from a running server
type Client struct {
	BaseURL string // e.g. http://127.0.0.1:8080
	HTTP    *http.Client
}

// NewClient creates a Client for baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Stream subscribes to the batch's status events over the websocket. The
// channel is closed when the connection ends or ctx is done.
func (c *Client) Stream(ctx context.Context, batchID string) (<-chan domain.StatusEvent, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"batch_id": {batchID}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", u.Redacted(), err)
	}

	ch := make(chan domain.StatusEvent, 16)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(ch)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := broadcast.DecodeStatus(data)
			if err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Progress fetches the batch counters
func (c *Client) Progress(ctx context.Context, batchID string) (domain.ProgressRecord, error) {
	var p domain.ProgressRecord
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/batches/"+url.PathEscape(batchID)+"/progress", nil)
	if err != nil {
		return p, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return p, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		if resp.StatusCode == http.StatusNotFound {
			return p, fmt.Errorf("batch %s: %s: %w", batchID, body["error"], domain.ErrNotFound)
		}
		return p, fmt.Errorf("batch %s: status %d: %s", batchID, resp.StatusCode, body["error"])
	}
	err = json.NewDecoder(resp.Body).Decode(&p)
	return p, err
}
