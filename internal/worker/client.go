package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout bounds a single worker round-trip. A hung worker
// must surface as an error, never as a flow stuck in a loading state.
const DefaultRequestTimeout = 30 * time.Second

// Client is a request/response client over a worker transport. Replies
// are matched to callers by request ID, so concurrent calls and
// out-of-order replies are safe.
type Client struct {
	transport Transport
	timeout   time.Duration
	logger    *logrus.Entry

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan *Response
	closed  bool

	readOnce sync.Once
	readErr  error
}

// NewClient wraps a transport. A zero timeout falls back to
// DefaultRequestTimeout.
func NewClient(transport Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		transport: transport,
		timeout:   timeout,
		logger:    logrus.WithField("module", "worker"),
		pending:   make(map[uint64]chan *Response),
	}
}

// Call sends a request and waits for its correlated reply. The wait is
// bounded by ctx and the client's per-request timeout.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.readOnce.Do(func() { go c.readLoop() })

	req.RequestID = atomic.AddUint64(&c.nextID, 1)

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("worker client closed")
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", req.Type, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("worker transport failed: %w", c.readErr)
		}
		return resp, nil
	case <-ctx.Done():
		c.logger.WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"type":       req.Type,
		}).Warn("Worker request abandoned")
		return nil, fmt.Errorf("%s request timed out: %w", req.Type, ctx.Err())
	}
}

func (c *Client) readLoop() {
	for {
		resp, err := c.transport.Receive(context.Background())
		if err != nil {
			c.fail(err)
			return
		}

		// Removing the entry under the lock takes ownership of the
		// channel, so a concurrent fail() cannot close it between the
		// lookup and the send.
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			// Reply for an abandoned request; result is discarded.
			c.logger.WithField("request_id", resp.RequestID).Debug("Dropping uncorrelated worker reply")
			continue
		}
		ch <- resp
	}
}

// fail marks the client unusable and unblocks waiters.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.fail(fmt.Errorf("worker client closed"))
	return err
}
