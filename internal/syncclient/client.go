// Package syncclient speaks the tracker's sync protocol over a single
// persistent connection. One receive loop decodes inbound JSON frames: pushed
// SyncedData frames update the latest sample, and frames carrying a RequestId
// complete the matching in-flight call.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crew-runner/tracker/internal/monitoring"
)

var (
	// ErrClosed is returned once the client has been closed or its
	// connection has gone away.
	ErrClosed = errors.New("sync connection closed")
	// ErrConnectionLost fails calls that were pending when the connection
	// dropped.
	ErrConnectionLost = errors.New("sync connection lost")
)

// Options tunes a Client.
type Options struct {
	// ReadLimit caps the size of a single inbound frame (websocket only).
	ReadLimit int64
}

type result struct {
	resp Response
	err  error
}

type pendingRequest struct {
	ch       chan result
	deadline time.Time
}

// Client is the sync protocol client.
type Client struct {
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// writeSem serializes writes; acquiring it honours the caller's context.
	writeSem chan struct{}

	mu      sync.Mutex
	pending map[string]pendingRequest
	sample  Sample
	err     error

	identityMu sync.Mutex
	identity   Identity
}

// New starts a client over an established transport.
func New(t Transport, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		writeSem:  make(chan struct{}, 1),
		pending:   make(map[string]pendingRequest),
		sample:    emptySample,
	}
	go c.receiveLoop()
	return c
}

// LatestSample returns the most recently pushed sample without blocking.
func (c *Client) LatestSample() (Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.sample, c.err
	}
	return c.sample, nil
}

// Call sends one correlated request and waits for its response. build
// receives the fresh request id and returns the frame to send. When no
// response arrives within timeout, Call returns ok == false and a nil error:
// the caller should try again later.
func (c *Client) Call(ctx context.Context, timeout time.Duration, build func(requestID string) any) (Response, bool, error) {
	id := uuid.NewString()
	data, err := json.Marshal(build(id))
	if err != nil {
		return Response{}, false, fmt.Errorf("failed to encode request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Response{}, false, c.err
	}
	c.pending[id] = pendingRequest{ch: ch, deadline: deadline}
	c.mu.Unlock()

	// The write and the wait share one deadline, so a stalled write cannot
	// keep the entry past its budget.
	if err := c.write(callCtx, data); err != nil {
		p, ok := c.take(id)
		if !ok {
			// The connection dropped and already failed this call.
			r := <-ch
			return r.resp, false, r.err
		}
		if ctx.Err() != nil {
			return Response{}, false, ctx.Err()
		}
		if expired(callCtx, p) {
			return Response{}, false, nil
		}
		return Response{}, false, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case r := <-ch:
		return r.resp, r.err == nil, r.err
	case <-callCtx.Done():
		if _, ok := c.take(id); ok {
			if err := ctx.Err(); err != nil {
				return Response{}, false, err
			}
			return Response{}, false, nil
		}
	}

	// The receive loop removed the entry first; its result is on the way.
	r := <-ch
	return r.resp, r.err == nil, r.err
}

// expired reports whether a request failed because its own budget ran out.
func expired(ctx context.Context, p pendingRequest) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) || !time.Now().Before(p.deadline)
}

// Pending returns the number of in-flight calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed when the receive loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client stopped, or nil while it is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down, fails pending calls and waits for the
// receive loop to exit.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	err := c.transport.Close()
	<-c.done
	return err
}

// take removes a pending entry. Exactly one caller wins for a given id.
func (c *Client) take(id string) (pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

func (c *Client) write(ctx context.Context, data []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.writeSem }()
	return c.transport.Write(ctx, data)
}

func (c *Client) receiveLoop() {
	defer close(c.done)
	for {
		data, err := c.transport.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				monitoring.Logf("Sync: connection lost: %v", err)
			}
			c.shutdown(ErrConnectionLost)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		monitoring.Logf("Sync: dropping malformed frame: %v", err)
		return
	}

	if env.MessageType == TypeSyncedData {
		var f syncedDataFrame
		if err := json.Unmarshal(data, &f); err != nil {
			monitoring.Logf("Sync: dropping malformed %s frame: %v", TypeSyncedData, err)
			return
		}
		c.mu.Lock()
		c.sample = f.sample()
		c.mu.Unlock()
		return
	}

	if env.RequestID == "" {
		return
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		monitoring.Logf("Sync: dropping malformed %s response: %v", env.MessageType, err)
		return
	}
	resp.Raw = append(json.RawMessage(nil), data...)

	p, ok := c.take(env.RequestID)
	if !ok {
		// Late or unknown response.
		return
	}
	p.ch <- result{resp: resp}
}

// shutdown records the terminal error once and fails every pending call.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	pending := c.pending
	c.pending = make(map[string]pendingRequest)
	c.mu.Unlock()

	c.cancel()
	for _, p := range pending {
		p.ch <- result{err: ErrConnectionLost}
	}
}
