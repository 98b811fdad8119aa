// Package client implements the sending side of a dtp transfer.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/cipher"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dtp/pkg/fileio"
	"github.com/skycoin/dtp/pkg/metrics"
	"github.com/skycoin/dtp/pkg/transport"
	"github.com/skycoin/dtp/pkg/unit"
)

// DefaultChunkSize is the Data payload size used when none is configured.
const DefaultChunkSize = 1024

// ErrInvalidChunkSize is returned for chunk sizes the wire format cannot carry.
var ErrInvalidChunkSize = fmt.Errorf("chunk size must be between 1 and %d", unit.MaxPayloadLen)

// Config configures a Client.
type Config struct {
	ChunkSize int `json:"chunk_size"`
}

// Option customizes a Client.
type Option func(c *Client)

// WithLogger sets the client logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) { c.metrics = m }
}

// Client sends the contents of one Source as a single transaction and answers
// retransmit requests for it. Data units of a Source implementing io.ReaderAt
// are re-read on request; all other units are kept in memory until Close.
type Client struct {
	cfg     Config
	tp      transport.Transport
	src     fileio.Source
	log     *logging.Logger
	metrics metrics.Recorder
	txID    uint32

	mu       sync.Mutex
	reader   io.ReaderAt
	history  map[uint32]*unit.Unit
	lastData uint32
	sent     int
}

// New creates a Client and registers it as the receive handler of tp.
func New(cfg Config, tp transport.Transport, src fileio.Source, opts ...Option) (*Client, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < 0 || cfg.ChunkSize > unit.MaxPayloadLen {
		return nil, ErrInvalidChunkSize
	}

	c := &Client{
		cfg:     cfg,
		tp:      tp,
		src:     src,
		log:     logging.MustGetLogger("client"),
		metrics: metrics.NewDummy(),
		txID:    binary.LittleEndian.Uint32(cipher.RandByte(4)),
		history: make(map[uint32]*unit.Unit),
	}
	for _, opt := range opts {
		opt(c)
	}
	if r, ok := src.(io.ReaderAt); ok {
		c.reader = r
	}

	if err := tp.OnReceive(c.handle); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to register receive handler")
	}
	return c, nil
}

// TransactionID returns the id of the transaction sent by this client.
func (c *Client) TransactionID() uint32 {
	return c.txID
}

// Sent returns the number of units sent, retransmissions included.
func (c *Client) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Run sends Start, the Data chunks of the source and End. It stops at the
// first empty or short chunk. Errors are logged and returned, nothing is
// retried.
func (c *Client) Run(ctx context.Context) error {
	if err := c.run(ctx); err != nil {
		c.log.WithError(err).WithField("txn", c.txID).Error("Transfer aborted")
		return err
	}
	return nil
}

func (c *Client) run(ctx context.Context) error {
	name := c.src.Name()
	log := c.log.WithFields(logrus.Fields{"txn": c.txID, "name": name})
	log.Info("Starting transfer")

	var seq uint32
	if err := c.send(unit.New(c.txID, unit.Start, seq, []byte(name))); err != nil {
		return err
	}
	seq++

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := c.src.Read(c.cfg.ChunkSize)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to read source")
		}
		if len(chunk) == 0 {
			break
		}
		if err := c.send(unit.New(c.txID, unit.Data, seq, chunk)); err != nil {
			return err
		}
		seq++
		if len(chunk) < c.cfg.ChunkSize {
			break
		}
	}

	if err := c.send(unit.New(c.txID, unit.End, seq, []byte(name))); err != nil {
		return err
	}
	log.WithField("units", seq+1).Info("Transfer sent")
	return nil
}

func (c *Client) send(u *unit.Unit) error {
	c.mu.Lock()
	if u.Type == unit.Data && c.reader != nil {
		c.lastData = u.Sequence
	} else {
		c.history[u.Sequence] = u
	}
	c.mu.Unlock()

	if err := c.tp.Send(u); err != nil {
		return pkgerrors.Wrapf(err, "failed to send %s", u)
	}

	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	c.metrics.UnitSent(u.Type)
	c.log.Debugf("Sent %s", u)
	return nil
}

func (c *Client) handle(u *unit.Unit) {
	if !u.Valid() {
		c.log.Debugf("Dropping unit with invalid cookie from %s", u.RemoteString())
		c.metrics.UnitDropped("invalid_cookie")
		return
	}
	c.metrics.UnitReceived(u.Type)

	switch u.Type {
	case unit.RetransmitRequest:
		if u.TransactionID != c.txID {
			c.log.Debugf("Ignoring retransmit request for foreign transaction %d", u.TransactionID)
			return
		}
		c.retransmit(u)
	case unit.Start, unit.End, unit.Data:
		c.log.Debugf("Ignoring %s", u)
	default:
		c.log.Warnf("Unexpected message type %s from %s", u.Type, u.RemoteString())
	}
}

func (c *Client) retransmit(req *unit.Unit) {
	orig, ok, err := c.lookup(req.Sequence)
	if err != nil {
		c.log.WithError(err).Errorf("Failed to re-read sequence %d", req.Sequence)
		return
	}
	if !ok {
		c.log.Debugf("Retransmit requested for unsent sequence %d", req.Sequence)
		return
	}

	resend := *orig
	resend.Remote = req.Remote
	if err := c.tp.Send(&resend); err != nil {
		c.log.WithError(err).Errorf("Failed to retransmit sequence %d", req.Sequence)
		return
	}

	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	c.metrics.Retransmit()
	c.metrics.UnitSent(resend.Type)
	c.log.Debugf("Retransmitted %s", &resend)
}

// lookup returns the unit sent with sequence seq, re-reading Data chunks from
// the source when it supports it.
func (c *Client) lookup(seq uint32) (*unit.Unit, bool, error) {
	c.mu.Lock()
	u, ok := c.history[seq]
	reader, lastData := c.reader, c.lastData
	c.mu.Unlock()
	if ok {
		return u, true, nil
	}
	if reader == nil || seq == 0 || seq > lastData {
		return nil, false, nil
	}

	buf := make([]byte, c.cfg.ChunkSize)
	n, err := reader.ReadAt(buf, int64(seq-1)*int64(c.cfg.ChunkSize))
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return unit.New(c.txID, unit.Data, seq, buf[:n]), true, nil
}

// Close drops the retransmit history. Later retransmit requests are ignored.
func (c *Client) Close() error {
	c.mu.Lock()
	c.history = make(map[uint32]*unit.Unit)
	c.reader = nil
	c.lastData = 0
	c.mu.Unlock()
	return nil
}
