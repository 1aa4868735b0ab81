package worker

import (
	"context"
	"fmt"
	"sync"
)

// Transport moves requests to a worker host and replies back. Send and
// Receive may be called from different goroutines; implementations must
// tolerate that.
type Transport interface {
	Send(ctx context.Context, req *Request) error
	Receive(ctx context.Context) (*Response, error)
	Close() error
}

// Host is the worker-side view of a transport pair.
type Host interface {
	Next(ctx context.Context) (*Request, error)
	Reply(ctx context.Context, resp *Response) error
	Close() error
}

// Pipe is an in-process transport pair backed by buffered channels.
type Pipe struct {
	requests  chan *Request
	responses chan *Response

	closeOnce sync.Once
	done      chan struct{}
}

// NewPipe creates a connected client/host transport pair.
func NewPipe(buffer int) (*Pipe, Transport, Host) {
	p := &Pipe{
		requests:  make(chan *Request, buffer),
		responses: make(chan *Response, buffer),
		done:      make(chan struct{}),
	}
	return p, (*pipeClient)(p), (*pipeHost)(p)
}

// Close tears down both sides of the pipe.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

type pipeClient Pipe

func (c *pipeClient) Send(ctx context.Context, req *Request) error {
	select {
	case c.requests <- req:
		return nil
	case <-c.done:
		return fmt.Errorf("worker transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeClient) Receive(ctx context.Context) (*Response, error) {
	select {
	case resp := <-c.responses:
		return resp, nil
	case <-c.done:
		return nil, fmt.Errorf("worker transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeClient) Close() error {
	return (*Pipe)(c).Close()
}

type pipeHost Pipe

func (h *pipeHost) Next(ctx context.Context) (*Request, error) {
	select {
	case req := <-h.requests:
		return req, nil
	case <-h.done:
		return nil, fmt.Errorf("worker transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *pipeHost) Reply(ctx context.Context, resp *Response) error {
	select {
	case h.responses <- resp:
		return nil
	case <-h.done:
		return fmt.Errorf("worker transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *pipeHost) Close() error {
	return (*Pipe)(h).Close()
}
