// Package wsbus bridges the bus to a remote hub over a WebSocket session.
// The hub owns the queue; this client publishes and settles messages with
// JSON frames and receives deliveries pushed by the hub.
package wsbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/solmir/rondo/bus"
	"github.com/solmir/rondo/errs"
	"github.com/solmir/rondo/internal/broker"
	"github.com/solmir/rondo/internal/observability"
)

const component = "broker/wsbus"

const (
	frameDeliver = "deliver"
	framePublish = "publish"
	frameAck     = "ack"
	frameNack    = "nack"
)

const (
	maxReconnectInterval = 30 * time.Second
	pingInterval         = 30 * time.Second
	pingTimeout          = 5 * time.Second
	readLimit            = 1 << 20
)

// frame is the wire envelope exchanged with the hub.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Config controls the bridge connection.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func (c Config) normalize() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return c
}

// Client is a WebSocket-bridged implementation of the bus broker contract.
// It maintains a single session with automatic reconnection and exponential
// backoff; deliveries pushed by the hub surface on the Receive channel.
type Client[C, E, P any] struct {
	cfg   Config
	codec broker.Codec[C, E, P]

	ctx    context.Context
	cancel context.CancelFunc

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	deliveries chan bus.Delivery[C, E, P]

	ready     chan struct{}
	readyOnce sync.Once

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// Dial connects to the hub and waits for the initial session before
// returning. The client keeps reconnecting in the background afterwards.
func Dial[C, E, P any](ctx context.Context, cfg Config, codec broker.Codec[C, E, P]) (*Client[C, E, P], error) {
	if cfg.URL == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("hub url required"))
	}
	if codec == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("codec required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalize()

	clientCtx, cancel := context.WithCancel(context.Background())
	c := new(Client[C, E, P])
	c.cfg = cfg
	c.codec = codec
	c.ctx = clientCtx
	c.cancel = cancel
	c.deliveries = make(chan bus.Delivery[C, E, P], cfg.BufferSize)
	c.ready = make(chan struct{})

	c.wg.Add(1)
	go c.connectLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-time.After(cfg.DialTimeout):
		c.Close()
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("timeout waiting for hub connection"), errs.WithField("url", cfg.URL))
	case <-ctx.Done():
		c.Close()
		return nil, fmt.Errorf("dial hub: %w", ctx.Err())
	}
}

// Receive returns the delivery channel fed by the hub session.
func (c *Client[C, E, P]) Receive(ctx context.Context) (<-chan bus.Delivery[C, E, P], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.ctx.Err(); err != nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("client closed"))
	}
	return c.deliveries, nil
}

// Publish sends one message to the hub.
func (c *Client[C, E, P]) Publish(ctx context.Context, msg bus.Message[C, E, P]) error {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("encode message"), errs.WithCause(err))
	}
	return c.send(ctx, frame{
		Type:    framePublish,
		ID:      uuid.NewString(),
		Kind:    msg.Kind.String(),
		Payload: payload,
	})
}

// PublishBatch sends the batch in order. An empty batch succeeds without
// touching the session.
func (c *Client[C, E, P]) PublishBatch(ctx context.Context, msgs []bus.Message[C, E, P]) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, msg := range msgs {
		if err := c.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Ack settles the delivery with the hub.
func (c *Client[C, E, P]) Ack(ctx context.Context, id bus.DeliveryID) error {
	return c.send(ctx, frame{Type: frameAck, ID: string(id)})
}

// Nack asks the hub to redeliver.
func (c *Client[C, E, P]) Nack(ctx context.Context, id bus.DeliveryID) error {
	return c.send(ctx, frame{Type: frameNack, ID: string(id)})
}

// Close tears down the session and ends the delivery stream.
func (c *Client[C, E, P]) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
			c.conn = nil
		}
		c.connMu.Unlock()
		c.wg.Wait()
		close(c.deliveries)
	})
}

func (c *Client[C, E, P]) send(ctx context.Context, f frame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("marshal frame"), errs.WithCause(err))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("hub session not established"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

// connectLoop maintains the hub session with automatic reconnection and
// exponential backoff until the client is closed.
func (c *Client[C, E, P]) connectLoop() {
	defer c.wg.Done()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	sessions := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.cfg.URL, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			observability.Log().Warn("hub dial failed",
				observability.Field{Key: "component", Value: component},
				observability.Field{Key: "url", Value: c.cfg.URL},
				observability.Field{Key: "error", Value: err.Error()},
			)
			if !c.sleepBackoff(backoffCfg) {
				return
			}
			continue
		}

		conn.SetReadLimit(readLimit)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.readyOnce.Do(func() { close(c.ready) })
		backoffCfg.Reset()

		sessions++
		if sessions > 1 {
			observability.Emit(c.ctx, observability.NewOpsEvent(
				observability.OpsBridgeReconnected, observability.SeverityInfo, component,
				map[string]any{"url": c.cfg.URL, "session": sessions},
			))
		}

		connCtx, connCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- c.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- c.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			observability.Log().Warn("hub session ended",
				observability.Field{Key: "component", Value: component},
				observability.Field{Key: "error", Value: firstErr.Error()},
			)
		}

		if !c.sleepBackoff(backoffCfg) {
			return
		}
	}
}

func (c *Client[C, E, P]) sleepBackoff(backoffCfg *backoff.ExponentialBackOff) bool {
	sleep := backoffCfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxReconnectInterval
	}
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

func (c *Client[C, E, P]) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			observability.Log().Warn("malformed hub frame",
				observability.Field{Key: "component", Value: component},
				observability.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		if f.Type != frameDeliver {
			continue
		}

		kind, err := bus.ParseKind(f.Kind)
		if err != nil {
			c.rejectDelivery(ctx, f.ID, err)
			continue
		}
		msg, err := c.codec.Decode(kind, f.Payload)
		if err != nil {
			c.rejectDelivery(ctx, f.ID, err)
			continue
		}

		select {
		case <-ctx.Done():
			return context.Canceled
		case c.deliveries <- bus.Delivery[C, E, P]{ID: bus.DeliveryID(f.ID), Message: msg}:
		}
	}
}

// rejectDelivery nacks a delivery the client cannot decode so the hub can
// apply its own redelivery or dead-letter policy.
func (c *Client[C, E, P]) rejectDelivery(ctx context.Context, id string, cause error) {
	observability.Log().Warn("undecodable hub delivery",
		observability.Field{Key: "component", Value: component},
		observability.Field{Key: "deliveryId", Value: id},
		observability.Field{Key: "error", Value: cause.Error()},
	)
	if err := c.send(ctx, frame{Type: frameNack, ID: id}); err != nil {
		observability.Log().Warn("nack undecodable delivery failed",
			observability.Field{Key: "component", Value: component},
			observability.Field{Key: "deliveryId", Value: id},
			observability.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (c *Client[C, E, P]) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
