package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/events"
)

// Client talks to a running hookwarden admin API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// HealthSummary is the /healthz payload.
type HealthSummary struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	PluginsLoaded   int    `json:"plugins_loaded"`
	PluginsDegraded int    `json:"plugins_degraded"`
}

// Health queries /healthz.
func (c *Client) Health(ctx context.Context) (HealthSummary, error) {
	var h HealthSummary
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

// Plugins queries /plugins.
func (c *Client) Plugins(ctx context.Context) ([]dispatch.RuntimeInfo, error) {
	var resp struct {
		Plugins []dispatch.RuntimeInfo `json:"plugins"`
	}
	if err := c.getJSON(ctx, "/plugins", &resp); err != nil {
		return nil, err
	}
	return resp.Plugins, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Stream follows /events and calls fn for each framed event until the
// connection drops or ctx is done.
func (c *Client) Stream(ctx context.Context, fn func(events.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; the shared client's timeout would cut it.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /events: %s", resp.Status)
	}
	return readSSE(resp.Body, fn)
}

// readSSE parses SSE frames carrying single-line JSON data.
func readSSE(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				if cur.At.IsZero() {
					cur.At = time.Now().UTC()
				}
				fn(cur)
			}
			cur = events.Event{}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[6:])
		}
	}
	return scanner.Err()
}
