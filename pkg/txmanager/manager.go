// Package txmanager tracks in-flight transactions on the receiving side and
// hands their units back in sequence order.
package txmanager

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/skycoin/dtp/pkg/unit"
)

// Default timings.
const (
	DefaultRetransmitInterval = 200 * time.Millisecond
	DefaultIdleTimeout        = 30 * time.Second
	DefaultTombstoneTTL       = time.Minute
)

// tailLossFactor scales the retransmit interval for transactions with nothing
// buffered, where a silent peer may just be slow.
const tailLossFactor = 4

var (
	// ErrCollision is returned when a transaction id is already owned by another endpoint.
	ErrCollision = errors.New("transaction id owned by another endpoint")

	// ErrClosed is returned for units of a recently finished transaction.
	ErrClosed = errors.New("transaction already closed")
)

// Config configures a Manager.
type Config struct {
	RetransmitInterval time.Duration
	IdleTimeout        time.Duration
	TombstoneTTL       time.Duration
}

// DefaultConfig returns the default Manager configuration.
func DefaultConfig() Config {
	return Config{
		RetransmitInterval: DefaultRetransmitInterval,
		IdleTimeout:        DefaultIdleTimeout,
		TombstoneTTL:       DefaultTombstoneTTL,
	}
}

type bufItem struct {
	u *unit.Unit
}

func (b bufItem) Less(than btree.Item) bool {
	return b.u.Sequence < than.(bufItem).u.Sequence
}

type transaction struct {
	owner  string
	remote net.Addr
	next   uint32
	buf    *btree.BTree

	lastActivity time.Time
	reqSeq       uint32
	reqAt        time.Time
}

// Manager keeps one reorder buffer per transaction id. It is safe for
// concurrent use and never calls out while holding its lock.
type Manager struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	txs        map[uint32]*transaction
	tombstones map[uint32]time.Time
}

// NewManager creates a Manager. Zero config values take defaults.
func NewManager(cfg Config) *Manager {
	if cfg.RetransmitInterval <= 0 {
		cfg.RetransmitInterval = DefaultRetransmitInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultTombstoneTTL
	}
	return &Manager{
		cfg:        cfg,
		now:        time.Now,
		txs:        make(map[uint32]*transaction),
		tombstones: make(map[uint32]time.Time),
	}
}

// Add buffers u under its transaction id, creating the transaction if needed.
// Units below the next expected sequence are ignored and a repeated sequence
// replaces the buffered copy.
func (m *Manager) Add(u *unit.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := u.TransactionID

	if at, ok := m.tombstones[id]; ok {
		if now.Sub(at) < m.cfg.TombstoneTTL {
			return ErrClosed
		}
		delete(m.tombstones, id)
	}

	tx, ok := m.txs[id]
	if !ok {
		tx = &transaction{
			owner: u.RemoteString(),
			buf:   btree.New(2),
		}
		m.txs[id] = tx
	} else if owner := u.RemoteString(); tx.owner != "" && owner != "" && tx.owner != owner {
		return ErrCollision
	}

	if u.Remote != nil {
		tx.remote = u.Remote
	}
	tx.lastActivity = now

	if u.Sequence < tx.next {
		return nil
	}
	tx.buf.ReplaceOrInsert(bufItem{u: u})
	return nil
}

// Collect returns the next deliverable unit of a transaction. When the lowest
// buffered unit is ahead of the expected sequence, a RetransmitRequest for the
// missing sequence is returned instead, at most once per retransmit interval.
func (m *Manager) Collect(txID uint32) (*unit.Unit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok || tx.buf.Len() == 0 {
		return nil, false
	}

	lowest := tx.buf.Min().(bufItem).u
	if lowest.Sequence == tx.next {
		tx.buf.DeleteMin()
		tx.next++
		return lowest, true
	}

	now := m.now()
	if tx.reqSeq == tx.next && !tx.reqAt.IsZero() && now.Sub(tx.reqAt) < m.cfg.RetransmitInterval {
		return nil, false
	}
	return m.request(txID, tx, now), true
}

// Requeue returns a delivered unit to the head of its transaction and rewinds
// the expected sequence to it.
func (m *Manager) Requeue(u *unit.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[u.TransactionID]
	if !ok || u.Sequence+1 != tx.next {
		return
	}
	tx.next = u.Sequence
	tx.buf.ReplaceOrInsert(bufItem{u: u})
}

// Forget drops a transaction and refuses its id until the tombstone expires.
func (m *Manager) Forget(txID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.txs, txID)
	m.tombstones[txID] = m.now()
}

// Sweep expires transactions idle for longer than the idle timeout and
// returns retransmit requests for those that stalled. A transaction with a
// gap stalls after the retransmit interval, one with an empty buffer only
// after tailLossFactor intervals. Expired ids are tombstoned and stale
// tombstones are purged.
func (m *Manager) Sweep(now time.Time) (requests []*unit.Unit, expired []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, tx := range m.txs {
		idle := now.Sub(tx.lastActivity)
		if idle > m.cfg.IdleTimeout {
			delete(m.txs, id)
			m.tombstones[id] = now
			expired = append(expired, id)
			continue
		}
		stall := m.cfg.RetransmitInterval
		if tx.buf.Len() == 0 {
			stall *= tailLossFactor
		}
		if idle < stall || now.Sub(tx.reqAt) < m.cfg.RetransmitInterval {
			continue
		}
		requests = append(requests, m.request(id, tx, now))
	}

	for id, at := range m.tombstones {
		if now.Sub(at) >= m.cfg.TombstoneTTL {
			delete(m.tombstones, id)
		}
	}
	return requests, expired
}

// Len returns the number of live transactions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// Pending returns the number of buffered units of a transaction.
func (m *Manager) Pending(txID uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txs[txID]; ok {
		return tx.buf.Len()
	}
	return 0
}

// Next returns the next expected sequence of a transaction.
func (m *Manager) Next(txID uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txs[txID]; ok {
		return tx.next, true
	}
	return 0, false
}

// REQUIRE: m.mu held
func (m *Manager) request(txID uint32, tx *transaction, now time.Time) *unit.Unit {
	tx.reqSeq = tx.next
	tx.reqAt = now
	req := unit.New(txID, unit.RetransmitRequest, tx.next, []byte{})
	req.Remote = tx.remote
	return req
}
