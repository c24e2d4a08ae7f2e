package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/callmanager/internal/contacts"
)

// Watch streams broadcast events to fn until ctx is done, the server closes
// the stream, or fn returns an error. types filters by event type; empty
// means all. Delivery is at-most-once: events published while the stream is
// down are not replayed.
func (c *Client) Watch(ctx context.Context, types []string, fn func(contacts.Event) error) error {
	target, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return err
	}
	if len(types) > 0 {
		q := target.Query()
		q.Set("types", strings.Join(types, ","))
		target.RawQuery = q.Encode()
	}
	wsClient := *c.httpClient
	wsClient.Timeout = 0
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())

	conn, resp, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{
		HTTPClient: &wsClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	defer conn.CloseNow()

	for {
		var ev contacts.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return ctx.Err()
			}
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.StatusGoingAway || closeErr.Code == websocket.StatusNormalClosure) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}
