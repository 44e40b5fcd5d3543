// Package realtime implements the persistent push-feed client for the
// vendor's realtime API.
//
// The client owns a reconnect loop: any transport error moves it to
// Reconnecting, where it waits out an exponential backoff (1s doubling to a
// 10s cap, reset after any successfully received message) before dialing
// again. Retries are unbounded; only context cancellation stops the loop.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ambientlog/ambientlog/internal/models"
)

// State is the connection state of the feed client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one message on the feed channel: either a parsed measurement or
// a state transition (Measurement nil).
type Event struct {
	Measurement *models.Measurement
	State       State
}

// Conn is the subset of the websocket connection the client needs.
// Injectable so tests can drive the read loop without a network.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a connection to the realtime endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	*websocket.Conn
}

func (c wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.Conn.ReadMessage()
	return data, err
}

// DefaultDialer dials with gorilla/websocket.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{conn}, nil
}

// dialURL builds the connection URL. The vendor authenticates the
// connection itself with the application key as a query parameter; the API
// key goes in the subscribe frame afterwards.
func dialURL(endpoint, applicationKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api", "1")
	q.Set("applicationKey", applicationKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// subscribeRequest names the device the client wants push updates for.
type subscribeRequest struct {
	Type     string   `json:"type"`
	APIKeys  []string `json:"apiKeys"`
	DeviceID string   `json:"deviceId"`
}

// feedFrame is the envelope of an incoming frame; data frames carry the
// measurement fields alongside the type.
type feedFrame struct {
	Type string `json:"type"`
}

// Options configures a FeedClient.
type Options struct {
	URL            string
	APIKey         string
	ApplicationKey string
	DeviceID       string

	// Dial defaults to DefaultDialer.
	Dial Dialer
	// Buffer is the event channel capacity (default 64).
	Buffer int
}

// FeedClient maintains the subscription and forwards every received
// payload; deduplication is the store's job, not the client's.
type FeedClient struct {
	opts   Options
	logger *logrus.Logger

	events chan Event

	mu         sync.Mutex
	state      State
	reconnects int64
}

// NewFeedClient creates a feed client. Run must be called to start it.
func NewFeedClient(opts Options, logger *logrus.Logger) *FeedClient {
	if opts.Dial == nil {
		opts.Dial = DefaultDialer
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &FeedClient{
		opts:   opts,
		logger: logger,
		events: make(chan Event, opts.Buffer),
		state:  StateDisconnected,
	}
}

// Events returns the channel of measurements and state transitions. It is
// closed when Run returns.
func (c *FeedClient) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *FeedClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects returns how many reconnect cycles have happened.
func (c *FeedClient) Reconnects() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Run drives the connect/subscribe/read loop until ctx is canceled. Always
// returns nil after a clean shutdown; transport errors never escape.
func (c *FeedClient) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.setState(ctx, StateStopped)

	target, err := dialURL(c.opts.URL, c.opts.ApplicationKey)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(ctx, StateConnecting)
		conn, err := c.opts.Dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Warn("Realtime connect failed")
			if !c.waitBackoff(ctx, bo) {
				return nil
			}
			continue
		}

		if err := conn.WriteJSON(subscribeRequest{
			Type:     "subscribe",
			APIKeys:  []string{c.opts.APIKey},
			DeviceID: c.opts.DeviceID,
		}); err != nil {
			conn.Close()
			c.logger.WithError(err).Warn("Realtime subscribe failed")
			if !c.waitBackoff(ctx, bo) {
				return nil
			}
			continue
		}

		c.setState(ctx, StateSubscribed)
		c.logger.WithField("device_id", c.opts.DeviceID).Info("Subscribed to realtime feed")

		err = c.readLoop(ctx, conn, bo)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}

		c.logger.WithError(err).Warn("Realtime connection lost, reconnecting")
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		if !c.waitBackoff(ctx, bo) {
			return nil
		}
	}
}

// readLoop forwards frames until the connection errors or ctx is canceled.
// A watcher goroutine closes the connection on cancellation so the pending
// read is interrupted immediately.
func (c *FeedClient) readLoop(ctx context.Context, conn Conn, bo *backoff.ExponentialBackOff) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// Any complete frame counts as contact; the peer is healthy, so
		// the next failure starts the backoff from scratch.
		bo.Reset()
		c.handleFrame(ctx, data)
	}
}

func (c *FeedClient) handleFrame(ctx context.Context, data []byte) {
	var frame feedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.WithError(err).Warn("Dropping malformed realtime frame")
		return
	}

	switch frame.Type {
	case "subscribed":
		c.logger.Debug("Subscription confirmed")
		return
	case "", "data":
		// Measurement payload.
	default:
		c.logger.WithField("type", frame.Type).Debug("Ignoring realtime frame")
		return
	}

	if id := models.PayloadDeviceID(data); id != "" && !models.SameDevice(id, c.opts.DeviceID) {
		c.logger.WithField("device_id", id).Debug("Data for different device, ignoring")
		return
	}

	m, err := models.ParseMeasurement(data, c.opts.DeviceID)
	if err != nil {
		c.logger.WithError(err).Warn("Dropping unparsable realtime payload")
		return
	}

	select {
	case c.events <- Event{Measurement: m, State: StateSubscribed}:
	case <-ctx.Done():
	}
}

func (c *FeedClient) setState(ctx context.Context, s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	// State transitions are best-effort notifications; never block the
	// connection loop on a slow consumer.
	if ctx.Err() == nil && s != StateStopped {
		select {
		case c.events <- Event{State: s}:
		default:
		}
	}
}

// waitBackoff sleeps for the next backoff interval, returning false if ctx
// was canceled during the wait.
func (c *FeedClient) waitBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	c.setState(ctx, StateReconnecting)
	d := bo.NextBackOff()
	c.logger.WithField("delay", d.String()).Debug("Waiting before reconnect")

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
