// ABOUTME: Demo engine that replays a canned tool call and echoes the request body
// ABOUTME: Supports an artificial delay and failure injection for exercising error paths

package agent

import (
	"context"
	"errors"
	"strings"
	"time"
)

// FailPrefix makes EchoEngine fail any request whose body starts with it.
const FailPrefix = "fail:"

// DefaultReplyPrefix tags echo replies.
const DefaultReplyPrefix = "[lane-gateway] "

// ErrInjectedFailure is returned for bodies starting with FailPrefix.
var ErrInjectedFailure = errors.New("injected failure")

// EchoEngine emits lifecycle(start), a search tool start/end pair, an
// assistant reply of "<Prefix>Echo: <body>", and lifecycle(end).
type EchoEngine struct {
	Prefix string
	Delay  time.Duration
}

// NewEchoEngine returns an echo engine with the default reply prefix.
func NewEchoEngine(delay time.Duration) *EchoEngine {
	return &EchoEngine{Prefix: DefaultReplyPrefix, Delay: delay}
}

// Run implements Engine.
func (e *EchoEngine) Run(ctx context.Context, runID string, req *Request, events Emitter) (string, error) {
	startedAt := time.Now()
	events.Emit("lifecycle", map[string]any{"phase": "start", "startedAt": startedAt})

	events.Emit("tool", map[string]any{"phase": "start", "name": "search"})
	if err := sleep(ctx, e.Delay); err != nil {
		return "", e.fail(events, startedAt, err)
	}
	events.Emit("tool", map[string]any{"phase": "end", "name": "search", "result": "ok"})

	if rest, ok := strings.CutPrefix(req.Body, FailPrefix); ok {
		err := ErrInjectedFailure
		if reason := strings.TrimSpace(rest); reason != "" {
			err = errors.Join(ErrInjectedFailure, errors.New(reason))
		}
		return "", e.fail(events, startedAt, err)
	}

	text := e.Prefix + "Echo: " + req.Body
	events.Emit("assistant", map[string]any{"text": text})
	events.Emit("lifecycle", map[string]any{
		"phase":     "end",
		"startedAt": startedAt,
		"endedAt":   time.Now(),
	})
	return text, nil
}

func (e *EchoEngine) fail(events Emitter, startedAt time.Time, err error) error {
	events.Emit("lifecycle", map[string]any{
		"phase":     "error",
		"startedAt": startedAt,
		"endedAt":   time.Now(),
		"error":     err.Error(),
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
