// Package transferlog keeps one record per received transfer.
package transferlog

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned for unknown entry ids.
var ErrNotFound = errors.New("transfer log entry not found")

// Status of a transfer.
type Status string

// Transfer statuses.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Entry describes one transfer. It is updated as the transfer progresses.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uint32    `json:"transaction_id"`
	Remote        string    `json:"remote"`
	Destination   string    `json:"destination"`
	Bytes         uint64    `json:"bytes"`
	Units         uint64    `json:"units"`
	Retransmits   uint64    `json:"retransmits"`
	Status        Status    `json:"status"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
}

// NewEntry creates an active entry with a fresh id.
func NewEntry(txID uint32, remote, destination string) *Entry {
	return &Entry{
		ID:            uuid.New(),
		TransactionID: txID,
		Remote:        remote,
		Destination:   destination,
		Status:        StatusActive,
		Started:       time.Now().UTC(),
	}
}

// Finish sets the final status and the finish time.
func (e *Entry) Finish(status Status) {
	e.Status = status
	e.Finished = time.Now().UTC()
}

// LogStore stores transfer log entries.
type LogStore interface {
	// Record inserts or replaces an entry.
	Record(entry *Entry) error

	// Entry returns the entry with the given id.
	Entry(id uuid.UUID) (*Entry, error)

	// Entries returns every entry ordered by start time.
	Entries() ([]*Entry, error)

	// Close implements io.Closer.
	Close() error
}

type inMemoryLogStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]Entry
}

// InMemoryLogStore implements in-memory LogStore.
func InMemoryLogStore() LogStore {
	return &inMemoryLogStore{
		entries: make(map[uuid.UUID]Entry),
	}
}

func (s *inMemoryLogStore) Record(entry *Entry) error {
	s.mu.Lock()
	s.entries[entry.ID] = *entry
	s.mu.Unlock()
	return nil
}

func (s *inMemoryLogStore) Entry(id uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *inMemoryLogStore) Entries() ([]*Entry, error) {
	s.mu.Lock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		e := e
		out = append(out, &e)
	}
	s.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (s *inMemoryLogStore) Close() error {
	return nil
}

var boltBucket = []byte("transfers")

type boltDBLogStore struct {
	db *bbolt.DB
}

// BoltDBLogStore implements LogStore on a bbolt database at path.
func BoltDBLogStore(path string) (LogStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open transfer log %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "failed to create bucket")
	}

	return &boltDBLogStore{db: db}, nil
}

func (s *boltDBLogStore) Record(entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put(entry.ID[:], raw)
	})
}

func (s *boltDBLogStore) Entry(id uuid.UUID) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get(id[:])
		if raw == nil {
			return ErrNotFound
		}
		entry = new(Entry)
		return json.Unmarshal(raw, entry)
	})
	return entry, err
}

func (s *boltDBLogStore) Entries() ([]*Entry, error) {
	out := make([]*Entry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(_, raw []byte) error {
			entry := new(Entry)
			if err := json.Unmarshal(raw, entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

func (s *boltDBLogStore) Close() error {
	return s.db.Close()
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Started.Before(entries[j].Started)
	})
}
