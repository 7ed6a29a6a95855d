// Package policy implements the per-user blocklist service and its
// client side, a membership check over a local unix socket.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrQueueFull returned when the worker pool cannot take more checks.
var ErrQueueFull = errors.New("policy queue full")

// ErrClosed returned after the client has been closed.
var ErrClosed = errors.New("policy client closed")

// Client performs policy checks against the policy server. Each check
// opens a fresh short-lived connection; the blocking socket I/O runs on
// a bounded worker pool so concurrent requests are not serialized
// behind one check, and identical in-flight checks coalesce.
type Client struct {
	socket  string
	timeout time.Duration

	queue chan task
	group singleflight.Group

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

type task struct {
	req   Request
	reply chan result
}

type result struct {
	blocked bool
	err     error
}

// NewClient returns a started client with the given worker count.
func NewClient(socket string, timeout time.Duration, workers int) *Client {
	if workers < 1 {
		workers = 1
	}

	c := &Client{
		socket:  socket,
		timeout: timeout,
		queue:   make(chan task, workers*4),
		done:    make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	return c
}

// Check reports whether domain is blocked for user. Transport errors
// are returned to the caller, which decides the fail-open behavior.
func (c *Client) Check(ctx context.Context, user, domain string) (bool, error) {
	ch := c.group.DoChan(user+"|"+domain, func() (any, error) {
		return c.dispatch(Request{User: user, Domain: domain})
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close stops the workers. Pending checks finish, queued ones fail.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

func (c *Client) dispatch(req Request) (bool, error) {
	t := task{req: req, reply: make(chan result, 1)}

	select {
	case c.queue <- t:
	case <-c.done:
		return false, ErrClosed
	default:
		return false, ErrQueueFull
	}

	res := <-t.reply

	return res.blocked, res.err
}

func (c *Client) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			// fail any check still sitting in the queue
			for {
				select {
				case t := <-c.queue:
					t.reply <- result{err: ErrClosed}
				default:
					return
				}
			}
		case t := <-c.queue:
			blocked, err := c.check(t.req)
			t.reply <- result{blocked: blocked, err: err}
		}
	}
}

// check is the blocking round-trip: dial, one JSON write, one reply byte.
func (c *Client) check(req Request) (bool, error) {
	conn, err := net.DialTimeout("unix", c.socket, c.timeout)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return false, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return false, err
	}

	if _, err := conn.Write(data); err != nil {
		return false, err
	}

	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return false, err
	}

	return reply[0] == 0x01, nil
}
