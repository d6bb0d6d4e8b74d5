// ABOUTME: HTTP API handlers for submitting runs, waiting on them, and streaming their events
// ABOUTME: Provides /agent endpoints with SSE streaming plus lane stats and transcripts

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/lane-gateway/internal/agent"
	"github.com/2389/lane-gateway/internal/lane"
	"github.com/2389/lane-gateway/internal/orchestrator"
	"github.com/2389/lane-gateway/internal/runbus"
	"github.com/2389/lane-gateway/internal/store"
	"github.com/2389/lane-gateway/internal/transcript"
)

const (
	// defaultChannel tags requests that arrive over the HTTP API.
	defaultChannel = "internal"

	// maxRequestBody bounds JSON submissions.
	maxRequestBody = 1 << 20

	// sseKeepAlive is the interval between SSE comment pings on idle streams.
	sseKeepAlive = 15 * time.Second
)

// AcceptResponse is the JSON response for POST /agent.
type AcceptResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Cached bool   `json:"cached"`
}

// WaitResponse is the JSON response for GET /agent/wait. Absent values are
// encoded as null.
type WaitResponse struct {
	RunID     string     `json:"runId"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt"`
	Error     *string    `json:"error"`
}

// HistoryResponse is the JSON response for GET /agent/history.
type HistoryResponse struct {
	RunID  string         `json:"runId"`
	Source string         `json:"source"` // "memory" or "ledger"
	Events []runbus.Event `json:"events"`
}

// LanesResponse is the JSON response for GET /api/lanes.
type LanesResponse struct {
	Lanes []lane.LaneStats `json:"lanes"`
}

// handleAgent handles POST /agent requests.
// Parameters come from the query string, a JSON body, or both (body wins).
func (g *Gateway) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseAgentRequest(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !g.limiter.allow(clientKey(r, req.SessionKey)) {
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	accepted, err := g.orchestrator.Accept(r.Context(), req)
	if errors.Is(err, orchestrator.ErrInvalidRequest) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("failed to accept run", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, AcceptResponse{
		RunID:  accepted.RunID,
		Status: "accepted",
		Cached: accepted.Cached,
	})
}

// parseAgentRequest builds a request from query parameters, then overlays
// any fields present in a JSON body.
func parseAgentRequest(r *http.Request) (*agent.Request, error) {
	q := r.URL.Query()
	req := &agent.Request{
		SessionKey:     q.Get("sessionKey"),
		Body:           q.Get("body"),
		Lane:           q.Get("lane"),
		IdempotencyKey: q.Get("idempotencyKey"),
		Channel:        q.Get("channel"),
		AccountID:      q.Get("accountId"),
		ThreadID:       q.Get("threadId"),
	}

	if r.Body != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
		if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.New("invalid JSON body")
		}
	}

	if req.Channel == "" {
		req.Channel = defaultChannel
	}
	return req, nil
}

// handleWait handles GET /agent/wait?runId=X&timeoutMs=N.
// A run that does not finish in time yields a timeout snapshot with 200.
func (g *Gateway) handleWait(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimSpace(r.URL.Query().Get("runId"))
	if runID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "runId is required")
		return
	}

	timeout, err := g.parseWaitTimeout(r.URL.Query().Get("timeoutMs"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, ok := g.recordedSnapshot(r.Context(), runID)
	if !ok {
		snap = g.orchestrator.Wait(r.Context(), runID, timeout)
	}

	resp := WaitResponse{
		RunID:     snap.RunID,
		Status:    string(snap.Status),
		StartedAt: snap.StartedAt,
		EndedAt:   snap.EndedAt,
	}
	if snap.Error != "" {
		resp.Error = &snap.Error
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// parseWaitTimeout reads timeoutMs, defaulting to runs.wait_timeout and
// clamping to runs.max_wait_timeout.
func (g *Gateway) parseWaitTimeout(raw string) (time.Duration, error) {
	timeout := g.config.Runs.WaitTimeout
	if raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			return 0, errors.New("timeoutMs must be a non-negative integer")
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if limit := g.config.Runs.MaxWaitTimeout; limit > 0 && timeout > limit {
		timeout = limit
	}
	return timeout, nil
}

// recordedSnapshot returns a snapshot persisted by an earlier process for a
// run this process has never seen.
func (g *Gateway) recordedSnapshot(ctx context.Context, runID string) (runbus.Snapshot, bool) {
	if g.ledger == nil {
		return runbus.Snapshot{}, false
	}
	if _, known := g.orchestrator.Run(runID); known {
		return runbus.Snapshot{}, false
	}
	if _, live := g.bus.Snapshot(runID); live {
		return runbus.Snapshot{}, false
	}
	snap, err := g.ledger.Snapshot(ctx, runID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("ledger snapshot lookup failed", "run_id", runID, "error", err)
		}
		return runbus.Snapshot{}, false
	}
	return snap, true
}

// handleEvents handles GET /agent/events.
// With runId it replays and follows one run until its terminal event.
// Otherwise it streams live events, optionally filtered by sessionKey.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Check streaming support before writing headers (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	q := r.URL.Query()
	runID := strings.TrimSpace(q.Get("runId"))

	var events <-chan runbus.Event
	if runID != "" {
		if !g.orchestrator.Known(runID) {
			g.sendJSONError(w, http.StatusNotFound, "run not found")
			return
		}
		events = g.orchestrator.Events(r.Context(), runID)
	} else {
		var subID string
		sessionKey := strings.TrimSpace(q.Get("sessionKey"))
		events, subID = g.broadcaster.Subscribe(r.Context(), sessionKey)
		g.logger.Debug("event firehose subscribed", "session_key", sessionKey, "sub_id", subID)
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, events, runID != "")
}

// streamEvents writes events as SSE until the channel closes, the client
// goes away, or (for single runs) the terminal event has been sent.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan runbus.Event, stopAtTerminal bool) {
	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			if stopAtTerminal && evt.IsTerminal() {
				return
			}
		}
	}
}

// setSSEHeaders sets the response headers for an event stream.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// formatSSEEvent formats one SSE frame:
// id: <id>\nevent: <eventType>\ndata: <data>\n\n
func formatSSEEvent(id int64, eventType, data string) string {
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, eventType, data)
}

// writeSSEEvent writes a single bus event as an SSE frame.
func (g *Gateway) writeSSEEvent(w io.Writer, evt runbus.Event) error {
	dataJSON, err := json.Marshal(evt)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "run_id", evt.RunID, "seq", evt.Seq, "error", err)
		return nil
	}
	_, err = io.WriteString(w, formatSSEEvent(evt.Seq, evt.Stream, string(dataJSON)))
	return err
}

// handleHistory handles GET /agent/history?runId=X.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimSpace(r.URL.Query().Get("runId"))
	if runID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "runId is required")
		return
	}

	events, source, err := g.loadHistory(r.Context(), runID)
	if err != nil {
		g.logger.Error("failed to load run history", "run_id", runID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(events) == 0 {
		g.sendJSONError(w, http.StatusNotFound, "run not found")
		return
	}

	g.writeJSON(w, http.StatusOK, HistoryResponse{RunID: runID, Source: source, Events: events})
}

// loadHistory returns the run's events from the live bus, or from the
// ledger when this process holds none.
func (g *Gateway) loadHistory(ctx context.Context, runID string) ([]runbus.Event, string, error) {
	if events := g.orchestrator.History(runID); len(events) > 0 {
		return events, "memory", nil
	}
	if g.ledger == nil {
		return nil, "", nil
	}
	events, err := g.ledger.History(ctx, runID)
	if err != nil {
		return nil, "", err
	}
	return events, "ledger", nil
}

// handleTranscript handles GET /agent/transcript?runId=X&format=md|html.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	runID := strings.TrimSpace(q.Get("runId"))
	if runID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "runId is required")
		return
	}
	format := q.Get("format")
	if format == "" {
		format = "md"
	}
	if format != "md" && format != "html" {
		g.sendJSONError(w, http.StatusBadRequest, "format must be md or html")
		return
	}

	events, _, err := g.loadHistory(r.Context(), runID)
	if err != nil {
		g.logger.Error("failed to load run history", "run_id", runID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(events) == 0 {
		g.sendJSONError(w, http.StatusNotFound, "run not found")
		return
	}

	var snap *runbus.Snapshot
	if s, ok := g.bus.Snapshot(runID); ok {
		snap = &s
	} else if s, ok := g.recordedSnapshot(r.Context(), runID); ok {
		snap = &s
	}

	if format == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write(transcript.Markdown(runID, events, snap))
		return
	}

	page, err := transcript.HTML(runID, events, snap)
	if err != nil {
		g.logger.Error("failed to render transcript", "run_id", runID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

// handleLanes handles GET /api/lanes requests.
func (g *Gateway) handleLanes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, http.StatusOK, LanesResponse{Lanes: g.scheduler.Stats()})
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
