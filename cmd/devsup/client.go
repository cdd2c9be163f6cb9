package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/devsup/internal/logring"
	"github.com/loykin/devsup/internal/proc"
)

// APIClient talks to a running supervisor's HTTP API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable reports whether the supervisor answers at all. A stale
// discovery file after a crash fails here, not with a confusing error later.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// OpResult mirrors the API's start/stop response.
type OpResult struct {
	Name   string      `json:"name"`
	Status proc.Status `json:"status"`
	PID    int         `json:"pid,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// LogsResult mirrors the API's logs response.
type LogsResult struct {
	Lines     []logring.Line `json:"lines"`
	Truncated bool           `json:"truncated"`
}

func (c *APIClient) Start(name string) (OpResult, error) {
	return c.op(name, "start")
}

func (c *APIClient) Stop(name string) (OpResult, error) {
	return c.op(name, "stop")
}

func (c *APIClient) op(name, action string) (OpResult, error) {
	u := fmt.Sprintf("%s/servers/%s/%s", c.baseURL, url.PathEscape(name), action)
	resp, err := c.client.Post(u, "application/json", nil)
	if err != nil {
		return OpResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	var res OpResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return OpResult{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if res.Error != "" {
			return res, fmt.Errorf("%s %s: %s", action, name, res.Error)
		}
		return res, fmt.Errorf("%s %s: HTTP %d", action, name, resp.StatusCode)
	}
	return res, nil
}

func (c *APIClient) StatusAll() ([]proc.Snapshot, error) {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: HTTP %d", resp.StatusCode)
	}
	var snaps []proc.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return snaps, nil
}

func (c *APIClient) Logs(name string, offset uint64, limit int, reverse bool) (LogsResult, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatUint(offset, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("reverse", strconv.FormatBool(reverse))
	u := fmt.Sprintf("%s/servers/%s/logs?%s", c.baseURL, url.PathEscape(name), q.Encode())
	resp, err := c.client.Get(u)
	if err != nil {
		return LogsResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var er struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&er)
		if er.Error != "" {
			return LogsResult{}, fmt.Errorf("logs %s: %s", name, er.Error)
		}
		return LogsResult{}, fmt.Errorf("logs %s: HTTP %d", name, resp.StatusCode)
	}
	var res LogsResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return LogsResult{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}

// Follow consumes the SSE event stream for a server and writes each line to
// w until ctx is cancelled or the stream ends.
func (c *APIClient) Follow(ctx context.Context, name string, w io.Writer) error {
	u := c.baseURL + "/events?" + url.Values{"server": {name}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	// streaming: the shared client's timeout would cut us off
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events: HTTP %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		var ev logring.Event
		if err := json.Unmarshal(bytes.TrimSpace(line[len("data:"):]), &ev); err != nil {
			continue
		}
		if ev.Gap {
			fmt.Fprintln(w, "(stream fell behind; some lines were dropped)")
		}
		fmt.Fprintf(w, "%s [%s] %s\n", ev.Line.Time.Format("15:04:05"), ev.Line.Source, ev.Line.Text)
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}
