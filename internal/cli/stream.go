package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// StreamEvent is one server-sent event from the feed.
type StreamEvent struct {
	Kind   string
	TaskID string
	Data   map[string]any
}

// StreamEvents connects to the event feed and delivers events on ch
// until the context is cancelled or the connection drops. The stream
// uses its own client because the regular request timeout would cut a
// long-lived tail.
func (c *Client) StreamEvents(ctx context.Context, ch chan<- StreamEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream refused: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var kind string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// A blank line closes the frame.
		if line == "" {
			if len(dataLines) > 0 {
				ch <- parseFrame(kind, strings.Join(dataLines, "\n"))
			}
			kind = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		}
	}
	return scanner.Err()
}

func parseFrame(kind, raw string) StreamEvent {
	e := StreamEvent{Kind: kind}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return e
	}
	e.Data = data
	if t, ok := data["type"].(string); ok && e.Kind == "" {
		e.Kind = t
	}
	if id, ok := data["task_id"].(string); ok {
		e.TaskID = id
	}
	return e
}
