package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aristath/missionctl/internal/events"
)

// Stream is an open mission event stream.
type Stream struct {
	conn *websocket.Conn
}

// Stream opens the event stream of a mission. Only events after the call are
// delivered; read Status first to catch up.
func (c *Client) Stream(ctx context.Context, missionID string) (*Stream, error) {
	u := c.baseURL + "/v1/missions/" + url.PathEscape(missionID) + "/stream"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &Stream{conn: conn}, nil
}

// Next blocks for the next event. After the mission's terminal event the
// server closes the stream and Next returns io.EOF.
func (s *Stream) Next(ctx context.Context) (events.Event, error) {
	var ev events.Event
	if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return events.Event{}, io.EOF
		}
		return events.Event{}, err
	}
	return ev, nil
}

// Close closes the stream.
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}
