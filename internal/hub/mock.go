package hub

import (
	"context"
	"errors"
	"sync"
)

// MockDialer implements Dialer for testing. Every dial returns a fresh
// MockConn; invocations written to it are completed automatically unless
// the target is failed or held.
type MockDialer struct {
	mu       sync.Mutex
	failures []error
	conns    []*MockConn
	tokens   []string
	failing  map[string]string // target -> completion error
	held     map[string]bool
	dialed   chan *MockConn
}

// NewMockDialer creates a MockDialer whose dials all succeed.
func NewMockDialer() *MockDialer {
	return &MockDialer{
		failing: make(map[string]string),
		held:    make(map[string]bool),
		dialed:  make(chan *MockConn, 64),
	}
}

// FailNext queues errors returned by the next dials, in order.
func (d *MockDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// FailTarget makes invocations of target complete with message as error.
func (d *MockDialer) FailTarget(target, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[target] = message
}

// ClearTarget restores automatic success for target.
func (d *MockDialer) ClearTarget(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failing, target)
	delete(d.held, target)
}

// HoldTarget leaves invocations of target pending until Release is called
// on the connection that received them.
func (d *MockDialer) HoldTarget(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[target] = true
}

// Dial returns the next queued failure or a new connection.
func (d *MockDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.tokens = append(d.tokens, token)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := &MockConn{
		dialer:  d,
		inbound: make(chan Frame, 256),
		done:    make(chan struct{}),
	}
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dialed delivers each successfully dialed connection.
func (d *MockDialer) Dialed() <-chan *MockConn {
	return d.dialed
}

// DialCount returns the number of dial attempts, failed ones included.
func (d *MockDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// Tokens returns the token passed to each dial attempt.
func (d *MockDialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Conns returns every connection dialed so far.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *MockDialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Invocations returns every invocation written on any connection, in order.
func (d *MockDialer) Invocations() []Frame {
	var out []Frame
	for _, c := range d.Conns() {
		out = append(out, c.Invocations()...)
	}
	return out
}

// InvocationsOf returns the invocations of a single target.
func (d *MockDialer) InvocationsOf(target string) []Frame {
	var out []Frame
	for _, f := range d.Invocations() {
		if f.Target == target {
			out = append(out, f)
		}
	}
	return out
}

func (d *MockDialer) outcome(target string) (held bool, failure string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held[target], d.failing[target]
}

// MockConn implements Conn for testing.
type MockConn struct {
	dialer  *MockDialer
	inbound chan Frame
	done    chan struct{}

	mu      sync.Mutex
	written []Frame
	pending []Frame
	err     error
}

// ReadFrame returns pushed frames until the connection is dropped or closed.
func (c *MockConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.done:
		return Frame{}, c.closedErr()
	}
}

// WriteFrame records f and completes invocations per the dialer settings.
func (c *MockConn) WriteFrame(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := Encode(f); err != nil {
		return err
	}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.written = append(c.written, f)
	if f.Type != FrameInvocation {
		c.mu.Unlock()
		return nil
	}
	held, failure := c.dialer.outcome(f.Target)
	if held {
		c.pending = append(c.pending, f)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var cerr error
	if failure != "" {
		cerr = errors.New(failure)
	}
	c.deliver(NewCompletion(f.InvocationID, cerr))
	return nil
}

// Release completes every held invocation of target. An empty failure
// means success.
func (c *MockConn) Release(target, failure string) int {
	c.mu.Lock()
	var release []Frame
	keep := c.pending[:0]
	for _, f := range c.pending {
		if f.Target == target {
			release = append(release, f)
		} else {
			keep = append(keep, f)
		}
	}
	c.pending = keep
	c.mu.Unlock()

	var cerr error
	if failure != "" {
		cerr = errors.New(failure)
	}
	for _, f := range release {
		c.deliver(NewCompletion(f.InvocationID, cerr))
	}
	return len(release)
}

// Held returns the invocations waiting for Release.
func (c *MockConn) Held() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.pending...)
}

// Push delivers a server event to the reader.
func (c *MockConn) Push(target string, args ...any) error {
	f, err := NewEvent(target, args...)
	if err != nil {
		return err
	}
	c.deliver(f)
	return nil
}

// PushFrame delivers an arbitrary frame to the reader.
func (c *MockConn) PushFrame(f Frame) {
	c.deliver(f)
}

func (c *MockConn) deliver(f Frame) {
	select {
	case c.inbound <- f:
	case <-c.done:
	}
}

// Drop simulates the server or network ending the connection.
func (c *MockConn) Drop(err error) {
	if err == nil {
		err = errors.New("hub: connection reset")
	}
	c.end(err)
}

// Close ends the connection from the client side.
func (c *MockConn) Close() error {
	c.end(ErrClosed)
	return nil
}

func (c *MockConn) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

func (c *MockConn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Closed reports whether the connection has ended.
func (c *MockConn) Closed() bool {
	return c.closedErr() != nil
}

// Done is closed when the connection ends.
func (c *MockConn) Done() <-chan struct{} {
	return c.done
}

// Written returns every frame written, in order.
func (c *MockConn) Written() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.written...)
}

// Invocations returns the invocation frames written, in order.
func (c *MockConn) Invocations() []Frame {
	var out []Frame
	for _, f := range c.Written() {
		if f.Type == FrameInvocation {
			out = append(out, f)
		}
	}
	return out
}
