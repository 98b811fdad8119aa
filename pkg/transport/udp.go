package transport

import (
	"errors"
	"net"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dtp/internal/mempool"
	"github.com/skycoin/dtp/pkg/scheduler"
	"github.com/skycoin/dtp/pkg/unit"
)

const (
	// MaxDatagramLen is the largest UDP payload over IPv4.
	MaxDatagramLen = 65535 - 8 - 20

	// MaxUDPPayload is the largest unit payload that fits one datagram.
	MaxUDPPayload = MaxDatagramLen - unit.HeaderLen
)

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	LocalAddr  string `json:"local_address"`
	RemoteAddr string `json:"remote_address,omitempty"`
}

// UDPTransport exchanges one unit per UDP datagram.
type UDPTransport struct {
	cfg    UDPConfig
	remote net.Addr
	sched  scheduler.Scheduler
	log    *logging.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	handler Handler
	closed  bool

	wg sync.WaitGroup
}

// NewUDP creates a UDPTransport. The default remote address is optional.
func NewUDP(cfg UDPConfig, sched scheduler.Scheduler, log *logging.Logger) (*UDPTransport, error) {
	if log == nil {
		log = logging.MustGetLogger("transport")
	}
	t := &UDPTransport{cfg: cfg, sched: sched, log: log}
	if cfg.RemoteAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to resolve remote address %s", cfg.RemoteAddr)
		}
		t.remote = addr
	}
	return t, nil
}

// Start binds the configured local address and starts the read loop.
func (t *UDPTransport) Start() error {
	conn, err := net.ListenPacket("udp", t.cfg.LocalAddr)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", t.cfg.LocalAddr)
	}
	return t.Serve(conn)
}

// Serve starts the read loop on an already bound connection.
func (t *UDPTransport) Serve(conn net.PacketConn) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Infof("Listening on %s", conn.LocalAddr())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(conn)
	}()
	return nil
}

func (t *UDPTransport) readLoop(conn net.PacketConn) {
	for {
		buf := mempool.DatagramPool.Get()
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			mempool.DatagramPool.Put(buf)
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.WithError(err).Warn("Failed to read datagram")
			continue
		}

		u, err := unit.Decode(buf[:n])
		mempool.DatagramPool.Put(buf)
		if err != nil {
			t.log.WithFields(logrus.Fields{"from": addr, "size": n}).
				WithError(err).Debug("Dropping datagram")
			continue
		}
		u.Remote = addr

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h == nil {
			t.log.Debugf("No handler, dropping %s", u)
			continue
		}

		if err := t.sched.Post(func() { h(u) }); err != nil {
			t.log.WithError(err).Debugf("Dropping %s", u)
		}
	}
}

// Send implements Transport.
func (t *UDPTransport) Send(u *unit.Unit) error {
	addr := u.Remote
	if addr == nil {
		addr = t.remote
	}
	if addr == nil {
		return ErrNoRemote
	}

	b, err := unit.Encode(u)
	if err != nil {
		return err
	}
	if len(b) > MaxDatagramLen {
		return ErrDatagramTooLarge
	}

	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotStarted
	}

	if _, err := conn.WriteTo(b, addr); err != nil {
		return pkgerrors.Wrapf(err, "failed to send %s to %s", u, addr)
	}
	return nil
}

// OnReceive implements Transport.
func (t *UDPTransport) OnReceive(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return ErrHandlerRegistered
	}
	t.handler = h
	return nil
}

// LocalAddr implements Transport. It returns nil before Start.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Close stops the read loop and releases the socket.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *UDPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
