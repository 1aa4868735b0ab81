package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// replyFunc lets tests script how the fake worker answers each request.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []*Request
	responses chan *Response
	reply     func(req *Request) *Response
	closed    bool
}

func newFakeTransport(reply func(req *Request) *Response) *fakeTransport {
	return &fakeTransport{
		responses: make(chan *Response, 16),
		reply:     reply,
	}
}

func (f *fakeTransport) Send(_ context.Context, req *Request) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	if f.reply != nil {
		if resp := f.reply(req); resp != nil {
			f.responses <- resp
		}
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (*Response, error) {
	select {
	case resp := <-f.responses:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestClient_CallMatchesReplyByID(t *testing.T) {
	transport := newFakeTransport(func(req *Request) *Response {
		return &Response{RequestID: req.RequestID, Value: "ok-" + req.Type}
	})
	client := NewClient(transport, time.Second)
	defer client.Close()

	resp, err := client.Call(context.Background(), &Request{Type: TypeSetPermission})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Value != "ok-SetPermission" {
		t.Errorf("Unexpected value: %q", resp.Value)
	}
}

func TestClient_AssignsIncreasingRequestIDs(t *testing.T) {
	transport := newFakeTransport(func(req *Request) *Response {
		return &Response{RequestID: req.RequestID, Value: "ok"}
	})
	client := NewClient(transport, time.Second)
	defer client.Close()

	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), &Request{Type: TypeSetPermission}); err != nil {
			t.Fatalf("Call %d failed: %v", i, err)
		}
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	var last uint64
	for _, req := range transport.sent {
		if req.RequestID <= last {
			t.Errorf("Request IDs should be strictly increasing, got %d after %d", req.RequestID, last)
		}
		last = req.RequestID
	}
}

func TestClient_OutOfOrderReplies(t *testing.T) {
	// Hold the first reply until the second request arrives, then deliver
	// them in reverse order. Both callers must still get their own reply.
	var mu sync.Mutex
	var held *Response
	transport := newFakeTransport(nil)
	transport.reply = func(req *Request) *Response {
		mu.Lock()
		defer mu.Unlock()
		resp := &Response{RequestID: req.RequestID, Value: fmt.Sprintf("reply-%d", req.RequestID)}
		if held == nil {
			held = resp
			return nil
		}
		transport.responses <- resp
		return held
	}

	client := NewClient(transport, 5*time.Second)
	defer client.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &Request{Type: TypeSetPermission}
			resp, err := client.Call(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("reply-%d", req.RequestID); resp.Value != want {
				errs <- fmt.Errorf("expected %q, got %q", want, resp.Value)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClient_Timeout(t *testing.T) {
	transport := newFakeTransport(nil) // never replies
	client := NewClient(transport, 50*time.Millisecond)
	defer client.Close()

	_, err := client.Call(context.Background(), &Request{Type: TypeGenerateAccess})
	if err == nil {
		t.Fatal("Expected timeout error")
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	transport := newFakeTransport(nil)
	client := NewClient(transport, time.Minute)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Call(ctx, &Request{Type: TypeGenerateAccess})
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
}

func TestClient_DiscardsUncorrelatedReply(t *testing.T) {
	transport := newFakeTransport(func(req *Request) *Response {
		return &Response{RequestID: req.RequestID, Value: "fresh"}
	})
	// A stale reply for a request nobody is waiting on sits first in the
	// queue; the client must skip it.
	transport.responses <- &Response{RequestID: 9999, Value: "stale"}

	client := NewClient(transport, time.Second)
	defer client.Close()

	resp, err := client.Call(context.Background(), &Request{Type: TypeSetPermission})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Value != "fresh" {
		t.Errorf("Expected fresh reply, got %q", resp.Value)
	}
}

func TestClient_CallAfterClose(t *testing.T) {
	transport := newFakeTransport(nil)
	client := NewClient(transport, time.Second)
	_ = client.Close()

	if _, err := client.Call(context.Background(), &Request{Type: TypeSetPermission}); err == nil {
		t.Fatal("Expected error after close")
	}
}

func TestClient_CloseDuringReplyDelivery(t *testing.T) {
	// Close races reply delivery: the read loop must own a pending
	// channel before sending on it, so fail() can never close a channel
	// mid-delivery. A regression panics with "send on closed channel".
	for i := 0; i < 500; i++ {
		transport := newFakeTransport(func(req *Request) *Response {
			return &Response{RequestID: req.RequestID, Value: "ok"}
		})
		client := NewClient(transport, time.Second)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = client.Call(context.Background(), &Request{Type: TypeSetPermission})
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = client.Close()
		}()
		wg.Wait()
	}
}
