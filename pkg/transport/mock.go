package transport

import (
	"net"
	"sync"

	"github.com/skycoin/dtp/pkg/scheduler"
	"github.com/skycoin/dtp/pkg/unit"
)

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

// DropFunc decides whether a unit sent through a MockTransport is lost.
type DropFunc func(u *unit.Unit) bool

// MockTransport is one end of an in-memory transport pair. Every unit goes
// through the wire codec and is delivered to the peer as a scheduler task.
type MockTransport struct {
	addr  net.Addr
	sched scheduler.Scheduler
	peer  *MockTransport

	mu      sync.Mutex
	handler Handler
	sent    []*unit.Unit
	drop    DropFunc
	closed  bool
}

// NewMockPair creates two connected MockTransports sharing sched.
func NewMockPair(sched scheduler.Scheduler) (*MockTransport, *MockTransport) {
	a := &MockTransport{addr: mockAddr("mock:a"), sched: sched}
	b := &MockTransport{addr: mockAddr("mock:b"), sched: sched}
	a.peer, b.peer = b, a
	return a, b
}

// SetDropFilter installs a loss simulator for units sent from this end.
func (t *MockTransport) SetDropFilter(drop DropFunc) {
	t.mu.Lock()
	t.drop = drop
	t.mu.Unlock()
}

// Sent returns every unit passed to Send, dropped ones included.
func (t *MockTransport) Sent() []*unit.Unit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*unit.Unit(nil), t.sent...)
}

// Send implements Transport. The destination is always the peer.
func (t *MockTransport) Send(u *unit.Unit) error {
	b, err := unit.Encode(u)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.sent = append(t.sent, u)
	drop := t.drop
	t.mu.Unlock()

	if drop != nil && drop(u) {
		return nil
	}

	got, err := unit.Decode(b)
	if err != nil {
		return err
	}
	got.Remote = t.addr
	t.peer.deliver(got)
	return nil
}

func (t *MockTransport) deliver(u *unit.Unit) {
	t.mu.Lock()
	h, closed := t.handler, t.closed
	t.mu.Unlock()
	if h == nil || closed {
		return
	}
	_ = t.sched.Post(func() { h(u) })
}

// OnReceive implements Transport.
func (t *MockTransport) OnReceive(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return ErrHandlerRegistered
	}
	t.handler = h
	return nil
}

// LocalAddr implements Transport.
func (t *MockTransport) LocalAddr() net.Addr {
	return t.addr
}

// Close implements Transport.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
