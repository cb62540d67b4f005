package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/suPer8Hu/persona-chat/internal/presence"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

var (
	errConnClosed = errors.New("connection closed")
	errEncode     = errors.New("encode push event")
)

// wireEvent is the JSON shape of every server push.
type wireEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// outbound is a queued push. written, when set, receives the write result.
type outbound struct {
	ev      presence.Event
	written chan error
}

// client is one authenticated socket. It implements presence.Conn; pushes
// are queued and written by a single writer goroutine.
type client struct {
	id     string
	userID uint64
	agent  bool

	ws     *websocket.Conn
	out    chan outbound
	alive  atomic.Bool
	once   sync.Once
	done   chan struct{}
	cancel context.CancelFunc
}

func newClient(id string, userID uint64, agent bool, ws *websocket.Conn, cancel context.CancelFunc) *client {
	c := &client{
		id:     id,
		userID: userID,
		agent:  agent,
		ws:     ws,
		out:    make(chan outbound, sendBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	c.alive.Store(true)
	return c
}

func (c *client) ID() string  { return c.id }
func (c *client) Alive() bool { return c.alive.Load() }

// Send never blocks: a client that cannot keep up is dropped.
func (c *client) Send(ev presence.Event) error {
	if !c.alive.Load() {
		return errConnClosed
	}
	select {
	case c.out <- outbound{ev: ev}:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		slog.Warn("websocket send buffer full, dropping client", "conn_id", c.id, "event", ev.Type)
		c.close()
		return errConnClosed
	}
}

// Deliver waits for room in the queue and then for the write itself, so a
// large backlog is paced by the socket instead of overflowing the buffer.
func (c *client) Deliver(ctx context.Context, ev presence.Event) error {
	if !c.alive.Load() {
		return errConnClosed
	}
	ob := outbound{ev: ev, written: make(chan error, 1)}
	select {
	case c.out <- ob:
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ob.written:
		return err
	case <-c.done:
		// the writer may have finished this event just before closing
		select {
		case err := <-ob.written:
			return err
		default:
			return errConnClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.alive.Store(false)
		close(c.done)
		c.cancel()
	})
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case ob := <-c.out:
			err := c.write(ctx, ob.ev)
			if ob.written != nil {
				ob.written <- err
			}
			if errors.Is(err, errEncode) {
				continue
			}
			if err != nil {
				slog.Debug("websocket write error", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *client) write(ctx context.Context, ev presence.Event) error {
	b, err := json.Marshal(wireEvent{Type: ev.Type, Data: ev.Data})
	if err != nil {
		slog.Error("encode push event", "conn_id", c.id, "event", ev.Type, "error", err)
		return fmt.Errorf("%w: %v", errEncode, err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, b)
}
