// ABOUTME: Renders a run's event stream as a Markdown transcript
// ABOUTME: Converts transcripts to HTML with goldmark for browser viewing

package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/lane-gateway/internal/runbus"
)

// Markdown renders events as a transcript. snap may be nil for runs still in
// progress.
func Markdown(runID string, events []runbus.Event, snap *runbus.Snapshot) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "# Run `%s`\n\n", runID)

	if len(events) > 0 {
		fmt.Fprintf(&b, "- **Session:** `%s`\n", events[0].SessionKey)
	}
	if snap != nil {
		fmt.Fprintf(&b, "- **Status:** %s\n", snap.Status)
		if snap.StartedAt != nil {
			fmt.Fprintf(&b, "- **Started:** %s\n", snap.StartedAt.UTC().Format(time.RFC3339Nano))
		}
		if snap.EndedAt != nil {
			fmt.Fprintf(&b, "- **Ended:** %s\n", snap.EndedAt.UTC().Format(time.RFC3339Nano))
		}
		if snap.StartedAt != nil && snap.EndedAt != nil {
			fmt.Fprintf(&b, "- **Duration:** %s\n", snap.EndedAt.Sub(*snap.StartedAt).Round(time.Millisecond))
		}
		if snap.Error != "" {
			fmt.Fprintf(&b, "- **Error:** %s\n", snap.Error)
		}
	} else {
		b.WriteString("- **Status:** running\n")
	}
	fmt.Fprintf(&b, "- **Events:** %d\n", len(events))

	b.WriteString("\n## Events\n\n")
	for _, evt := range events {
		writeEvent(&b, evt)
	}
	return b.Bytes()
}

// HTML renders the transcript and converts it with goldmark. Raw HTML in
// event payloads is not passed through.
func HTML(runID string, events []runbus.Event, snap *runbus.Snapshot) ([]byte, error) {
	var out bytes.Buffer
	if err := goldmark.Convert(Markdown(runID, events, snap), &out); err != nil {
		return nil, fmt.Errorf("converting transcript: %w", err)
	}
	return out.Bytes(), nil
}

func writeEvent(b *bytes.Buffer, evt runbus.Event) {
	ts := evt.Timestamp.UTC().Format("15:04:05.000")
	fmt.Fprintf(b, "%d. `%s` **%s**", evt.Seq, ts, evt.Stream)

	switch evt.Stream {
	case runbus.StreamLifecycle:
		fmt.Fprintf(b, " %s", evt.Phase())
		if msg, ok := evt.Data["error"].(string); ok && msg != "" {
			fmt.Fprintf(b, ": %s", msg)
		}
		if synthetic, _ := evt.Data["synthetic"].(bool); synthetic {
			b.WriteString(" _(synthetic)_")
		}
		b.WriteString("\n")

	case runbus.StreamTool:
		if name, ok := evt.Data["name"].(string); ok {
			fmt.Fprintf(b, " `%s`", name)
		}
		if phase := evt.Phase(); phase != "" {
			fmt.Fprintf(b, " %s", phase)
		}
		if result, ok := evt.Data["result"]; ok {
			fmt.Fprintf(b, " (result: `%v`)", result)
		}
		b.WriteString("\n")

	case runbus.StreamAssistant:
		b.WriteString("\n\n")
		text, _ := evt.Data["text"].(string)
		for _, line := range strings.Split(text, "\n") {
			fmt.Fprintf(b, "    > %s\n", line)
		}
		b.WriteString("\n")

	default:
		fmt.Fprintf(b, " `%s`\n", compactJSON(evt.Data))
	}
}

// compactJSON renders data with sorted keys on one line.
func compactJSON(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		val, err := json.Marshal(data[k])
		if err != nil {
			val = []byte(fmt.Sprintf("%q", fmt.Sprint(data[k])))
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return b.String()
}
