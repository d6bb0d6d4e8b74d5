// ABOUTME: HTTP client used by the health, lanes, and submit commands
// ABOUTME: Decodes the gateway's JSON responses and prints them for the terminal

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/lane-gateway/internal/agent"
	"github.com/2389/lane-gateway/internal/gateway"
	"github.com/2389/lane-gateway/internal/lane"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, httpClient *http.Client) *client {
	return &client{baseURL: baseURL, http: httpClient}
}

// do sends req and returns the body of a 2xx response. Other statuses are
// returned as errors carrying the gateway's error message when it has one.
func (c *client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func (c *client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.do(req)
}

func (c *client) lanes(ctx context.Context) ([]lane.LaneStats, error) {
	body, err := c.get(ctx, "/api/lanes")
	if err != nil {
		return nil, fmt.Errorf("fetching lanes: %w", err)
	}
	var resp gateway.LanesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding lanes: %w", err)
	}
	return resp.Lanes, nil
}

func (c *client) submit(ctx context.Context, r *agent.Request) (*gateway.AcceptResponse, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting run: %w", err)
	}
	var resp gateway.AcceptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding accept response: %w", err)
	}
	return &resp, nil
}

// wait blocks on the gateway for up to timeout. The HTTP request itself is
// given extra headroom so the server answers before the client gives up.
func (c *client) wait(ctx context.Context, runID string, timeout time.Duration) (*gateway.WaitResponse, error) {
	q := url.Values{}
	q.Set("runId", runID)
	q.Set("timeoutMs", strconv.FormatInt(timeout.Milliseconds(), 10))

	ctx, cancel := context.WithTimeout(ctx, timeout+clientTimeout)
	defer cancel()

	body, err := c.get(ctx, "/agent/wait?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("waiting for run: %w", err)
	}
	var resp gateway.WaitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding wait response: %w", err)
	}
	return &resp, nil
}

func printLanes(out io.Writer, lanes []lane.LaneStats) {
	if len(lanes) == 0 {
		fmt.Fprintln(out, "No lanes.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tQUEUED\tACTIVE\tMAX")
	for _, l := range lanes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", l.Name, l.Queued, l.Active, l.Max)
	}
	tw.Flush()
}

func printWait(out io.Writer, w *gateway.WaitResponse) {
	status := w.Status
	switch w.Status {
	case "ok":
		status = color.GreenString(w.Status)
	case "error":
		status = color.RedString(w.Status)
	case "timeout":
		status = color.YellowString(w.Status)
	}
	fmt.Fprintf(out, "run %s: %s\n", w.RunID, status)
	if w.StartedAt != nil && w.EndedAt != nil {
		fmt.Fprintf(out, "  duration: %s\n", w.EndedAt.Sub(*w.StartedAt).Round(time.Millisecond))
	}
	if w.Error != nil {
		fmt.Fprintf(out, "  error: %s\n", *w.Error)
	}
}

func sortedLanes(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
