package connections

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

const reconnectDelay = time.Second

// dialEvents opens one websocket connection to the event stream.
func (c *Client) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.eventsURL(), nil)
	if err != nil {
		return nil, err
	}
	ymlogger.LogInfof("", "Connected to event stream for application [%s]", c.opts.Application)
	if c.opts.OnConnected != nil {
		c.opts.OnConnected()
	}
	return conn, nil
}

// readEvents pumps messages from the websocket into the dispatcher and
// reconnects with a fixed delay until the client closes. Publish never
// blocks on subscribers, so a slow callback cannot stall this loop.
func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn) {
	defer close(c.wsDone)
	for {
		err := c.pump(ctx, conn)
		if c.opts.OnDisconnected != nil {
			c.opts.OnDisconnected(err)
		}
		if c.closed.Load() || ctx.Err() != nil {
			return
		}
		ymlogger.LogErrorf("", "Event stream dropped. Error: [%#v]. Reconnecting......", err)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			conn, err = c.dialEvents(ctx)
			if err == nil {
				break
			}
			ymlogger.LogErrorf("", "Event stream reconnect failed. Error: [%#v]. Retrying......", err)
		}
	}
}

// pump reads one connection until it fails. The connection is closed when
// ctx is cancelled so the blocked read returns.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var event contracts.Event
		if err = json.Unmarshal(message, &event); err != nil {
			ymlogger.LogErrorf("", "Dropping undecodable event. Error: [%#v]", err)
			continue
		}
		c.disp.Publish(&event)
	}
}
