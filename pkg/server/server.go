// Package server implements the receiving side of dtp transfers.
package server

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dtp/pkg/fileio"
	"github.com/skycoin/dtp/pkg/metrics"
	"github.com/skycoin/dtp/pkg/scheduler"
	"github.com/skycoin/dtp/pkg/transferlog"
	"github.com/skycoin/dtp/pkg/transport"
	"github.com/skycoin/dtp/pkg/txmanager"
	"github.com/skycoin/dtp/pkg/unit"
)

// DefaultSweepInterval is how often stalled and idle transactions are checked.
const DefaultSweepInterval = 100 * time.Millisecond

// Config configures a Server.
type Config struct {
	RetransmitInterval time.Duration
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
}

// DefaultConfig returns the default Server configuration.
func DefaultConfig() Config {
	return Config{
		RetransmitInterval: txmanager.DefaultRetransmitInterval,
		IdleTimeout:        txmanager.DefaultIdleTimeout,
		SweepInterval:      DefaultSweepInterval,
	}
}

// Option customizes a Server.
type Option func(s *Server)

// WithLogger sets the server logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogStore sets the store that receives one entry per transfer.
func WithLogStore(ls transferlog.LogStore) Option {
	return func(s *Server) { s.logs = ls }
}

type transfer struct {
	sink  fileio.Sink
	entry *transferlog.Entry
}

// Server reassembles inbound transactions and writes them to sinks.
type Server struct {
	cfg     Config
	sched   scheduler.Scheduler
	tp      transport.Transport
	factory fileio.SinkFactory
	log     *logging.Logger
	metrics metrics.Recorder
	logs    transferlog.LogStore
	mgr     *txmanager.Manager

	// mu serializes the whole dispatch and drain of a unit, so the manager
	// and the transfer map always change together. It is not reentrant.
	mu        sync.Mutex
	transfers map[uint32]*transfer
	closed    bool
}

// New creates a Server and registers it as the receive handler of tp.
func New(cfg Config, sched scheduler.Scheduler, tp transport.Transport, factory fileio.SinkFactory, opts ...Option) (*Server, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	s := &Server{
		cfg:     cfg,
		sched:   sched,
		tp:      tp,
		factory: factory,
		log:     logging.MustGetLogger("server"),
		metrics: metrics.NewDummy(),
		logs:    transferlog.InMemoryLogStore(),
		mgr: txmanager.NewManager(txmanager.Config{
			RetransmitInterval: cfg.RetransmitInterval,
			IdleTimeout:        cfg.IdleTimeout,
		}),
		transfers: make(map[uint32]*transfer),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := tp.OnReceive(s.handle); err != nil {
		return nil, err
	}
	if err := sched.StartTimer(cfg.SweepInterval, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// LogStore returns the transfer log of this server.
func (s *Server) LogStore() transferlog.LogStore {
	return s.logs
}

// Active returns the ids of transactions with an open sink.
func (s *Server) Active() []uint32 {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.transfers))
	for id := range s.transfers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close aborts every live transaction and stops sweeping.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id := range s.transfers {
		s.abort(id, transferlog.StatusAbandoned, nil)
	}
	return nil
}

func (s *Server) handle(u *unit.Unit) {
	if !u.Valid() {
		s.log.Debugf("Dropping unit with invalid cookie from %s", u.RemoteString())
		s.metrics.UnitDropped("invalid_cookie")
		return
	}
	s.metrics.UnitReceived(u.Type)

	switch u.Type {
	case unit.Start, unit.Data, unit.End:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.add(u)
	case unit.RetransmitRequest:
		s.log.Debugf("Ignoring %s from %s", u, u.RemoteString())
	default:
		s.log.Warnf("Unexpected message type %s from %s", u.Type, u.RemoteString())
		s.metrics.UnitDropped("unknown_type")
	}
}

// REQUIRE: s.mu held
func (s *Server) add(u *unit.Unit) {
	switch err := s.mgr.Add(u); err {
	case nil:
	case txmanager.ErrCollision:
		s.log.WithFields(logrus.Fields{"txn": u.TransactionID, "remote": u.RemoteString()}).
			Warn("Rejecting unit: transaction id owned by another endpoint")
		s.metrics.UnitDropped("collision")
		return
	case txmanager.ErrClosed:
		s.log.Debugf("Dropping late %s", u)
		s.metrics.UnitDropped("closed")
		return
	default:
		s.log.WithError(err).Warnf("Dropping %s", u)
		return
	}

	s.drain(u.TransactionID)
}

// REQUIRE: s.mu held
func (s *Server) drain(txID uint32) {
	for {
		u, ok := s.mgr.Collect(txID)
		if !ok {
			return
		}

		switch u.Type {
		case unit.RetransmitRequest:
			s.requestRetransmit(u)
			return
		case unit.Start:
			if !s.open(u) {
				return
			}
		case unit.Data:
			if !s.write(u) {
				return
			}
		case unit.End:
			s.finish(u)
			return
		}
	}
}

// REQUIRE: s.mu held
func (s *Server) open(u *unit.Unit) bool {
	id := u.TransactionID
	if _, ok := s.transfers[id]; ok {
		s.log.Warnf("Ignoring repeated start of transaction %d", id)
		return true
	}

	dest := string(u.Payload)
	entry := transferlog.NewEntry(id, u.RemoteString(), dest)
	entry.Units++
	log := s.log.WithFields(logrus.Fields{"txn": id, "remote": u.RemoteString(), "destination": dest})

	sink, err := s.factory.Create()
	if err != nil {
		log.WithError(err).Error("Failed to create sink")
		s.reject(id, entry)
		return false
	}
	if err := sink.SetDestination(dest); err != nil {
		log.WithError(err).Error("Failed to set destination")
		if err := sink.Close(); err != nil {
			log.WithError(err).Warn("Failed to close sink")
		}
		s.reject(id, entry)
		return false
	}

	s.transfers[id] = &transfer{sink: sink, entry: entry}
	s.record(entry)
	s.metrics.TransactionOpened()
	log.Info("Transfer started")
	return true
}

// REQUIRE: s.mu held
func (s *Server) write(u *unit.Unit) bool {
	tr, ok := s.transfers[u.TransactionID]
	if !ok {
		s.log.Warnf("No sink for %s, requeueing", u)
		s.mgr.Requeue(u)
		return false
	}

	if err := tr.sink.Write(u.Payload); err != nil {
		s.abort(u.TransactionID, transferlog.StatusFailed, err)
		return false
	}
	tr.entry.Bytes += uint64(len(u.Payload))
	tr.entry.Units++
	s.metrics.BytesWritten(len(u.Payload))
	return true
}

// REQUIRE: s.mu held
func (s *Server) finish(u *unit.Unit) {
	id := u.TransactionID
	tr, ok := s.transfers[id]
	if !ok {
		s.log.Warnf("End of unknown transaction %d", id)
		s.mgr.Forget(id)
		return
	}

	if err := tr.sink.Close(); err != nil {
		delete(s.transfers, id)
		s.finalize(id, tr.entry, transferlog.StatusFailed, err)
		return
	}

	tr.entry.Units++
	delete(s.transfers, id)
	s.finalize(id, tr.entry, transferlog.StatusCompleted, nil)
}

// abort closes the sink of a transaction and forgets it.
// REQUIRE: s.mu held
func (s *Server) abort(id uint32, status transferlog.Status, reason error) {
	tr, ok := s.transfers[id]
	if !ok {
		s.mgr.Forget(id)
		return
	}
	delete(s.transfers, id)

	if err := tr.sink.Close(); err != nil {
		s.log.WithError(err).Warnf("Failed to close sink of transaction %d", id)
	}
	s.finalize(id, tr.entry, status, reason)
}

// REQUIRE: s.mu held
func (s *Server) finalize(id uint32, entry *transferlog.Entry, status transferlog.Status, reason error) {
	s.mgr.Forget(id)
	entry.Finish(status)
	s.record(entry)
	s.metrics.TransactionClosed(string(status))

	log := s.log.WithFields(logrus.Fields{
		"txn":         id,
		"destination": entry.Destination,
		"bytes":       entry.Bytes,
		"status":      status,
	})
	if reason != nil {
		log.WithError(reason).Warn("Transfer aborted")
		return
	}
	if status == transferlog.StatusCompleted {
		log.Info("Transfer completed")
		return
	}
	log.Warn("Transfer aborted")
}

// REQUIRE: s.mu held
func (s *Server) reject(id uint32, entry *transferlog.Entry) {
	s.mgr.Forget(id)
	entry.Finish(transferlog.StatusFailed)
	s.record(entry)
}

// REQUIRE: s.mu held
func (s *Server) requestRetransmit(req *unit.Unit) {
	if tr, ok := s.transfers[req.TransactionID]; ok {
		tr.entry.Retransmits++
	}
	if err := s.tp.Send(req); err != nil {
		s.log.WithError(err).Warnf("Failed to send %s", req)
		return
	}
	s.metrics.UnitSent(req.Type)
	s.metrics.Retransmit()
	s.log.Debugf("Requested %s from %s", req, req.RemoteString())
}

func (s *Server) record(entry *transferlog.Entry) {
	if err := s.logs.Record(entry); err != nil {
		s.log.WithError(err).Warn("Failed to record transfer")
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	reqs, expired := s.mgr.Sweep(time.Now())
	for _, id := range expired {
		s.abort(id, transferlog.StatusAbandoned, nil)
	}
	for _, req := range reqs {
		s.requestRetransmit(req)
	}
	s.mu.Unlock()

	if err := s.sched.StartTimer(s.cfg.SweepInterval, s.sweep); err != nil {
		s.log.WithError(err).Debug("Sweeping stopped")
	}
}
