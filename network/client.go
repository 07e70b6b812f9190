package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"runelink/models"
)

const subscriberBuffer = 64

// Client is the UI side of the signal bus.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan Envelope
	subscribers map[chan models.DiscoveredDeviceMessage]struct{}
	closed      bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the signal bus at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signal bus %q: %w", url, err)
	}

	c := &Client{
		conn:        conn,
		pending:     make(map[string]chan Envelope),
		subscribers: make(map[chan models.DiscoveredDeviceMessage]struct{}),
		done:        make(chan struct{}),
	}
	conn.SetReadLimit(MaxEnvelopeSize)
	go c.readLoop()
	return c, nil
}

// Send delivers req and waits for the backend to acknowledge it.
func (c *Client) Send(ctx context.Context, req models.Request) error {
	_, err := c.roundTrip(ctx, req)
	return err
}

// ListDevices returns the backend's current device cache.
func (c *Client) ListDevices(ctx context.Context) ([]models.DiscoveredDeviceMessage, error) {
	reply, err := c.roundTrip(ctx, models.GetDiscoveredDevicesRequest{})
	if err != nil {
		return nil, err
	}

	var resp models.GetDiscoveredDevicesResponse
	if err := decodePayload(reply, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// SubscribeDiscovered streams discovered-device events until ctx is done or
// the client closes; the channel is closed then.
func (c *Client) SubscribeDiscovered(ctx context.Context) (<-chan models.DiscoveredDeviceMessage, error) {
	ch := make(chan models.DiscoveredDeviceMessage, subscriberBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
	}()

	return ch, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) roundTrip(ctx context.Context, req models.Request) (Envelope, error) {
	env, err := EncodeRequest(req)
	if err != nil {
		return Envelope{}, err
	}

	reply := make(chan Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	c.pending[env.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return Envelope{}, err
	}

	select {
	case resp := <-reply:
		if resp.Type == models.SignalError {
			return Envelope{}, fmt.Errorf("%w: %s: %s", ErrRemote, req.SignalType(), resp.Error)
		}
		return resp, nil
	case <-c.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *Client) write(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugw("signal bus read failed", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnw("invalid signal envelope", "err", err)
			continue
		}

		if env.Type == models.SignalDiscoveredDevice {
			c.publish(env)
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[env.ID]
		c.mu.Unlock()
		if !ok {
			log.Debugw("unsolicited signal reply", "type", env.Type, "id", env.ID)
			continue
		}
		reply <- env
	}
}

func (c *Client) publish(env Envelope) {
	var msg models.DiscoveredDeviceMessage
	if err := decodePayload(env, &msg); err != nil {
		log.Warnw("invalid discovered device event", "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- msg:
		default:
			log.Debugw("dropping discovered device for slow subscriber", "fingerprint", msg.Fingerprint)
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for ch := range c.subscribers {
			close(ch)
		}
		c.subscribers = make(map[chan models.DiscoveredDeviceMessage]struct{})
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
	})
}
