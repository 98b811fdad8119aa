// Package transport moves encoded units between dtp peers.
package transport

import (
	"errors"
	"net"

	"github.com/skycoin/dtp/pkg/unit"
)

var (
	// ErrHandlerRegistered is returned when a second receive handler is registered.
	ErrHandlerRegistered = errors.New("receive handler already registered")

	// ErrNoRemote is returned when sending a unit with no destination.
	ErrNoRemote = errors.New("no remote address")

	// ErrNotStarted is returned when using a transport before Start.
	ErrNotStarted = errors.New("transport not started")

	// ErrClosed is returned when using a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrDatagramTooLarge is returned when an encoded unit does not fit one datagram.
	ErrDatagramTooLarge = errors.New("unit does not fit one datagram")
)

// Handler consumes one received unit. It runs as a scheduler task.
type Handler func(u *unit.Unit)

// Transport sends units and delivers received ones to a single handler.
type Transport interface {
	// Send encodes u and sends it to u.Remote, or to the default remote when
	// u.Remote is nil.
	Send(u *unit.Unit) error

	// OnReceive registers the receive handler. Only one may be registered.
	OnReceive(h Handler) error

	// LocalAddr returns the local endpoint.
	LocalAddr() net.Addr

	// Close implements io.Closer.
	Close() error
}
