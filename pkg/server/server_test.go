package server

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dtp/pkg/client"
	"github.com/skycoin/dtp/pkg/fileio"
	"github.com/skycoin/dtp/pkg/scheduler"
	"github.com/skycoin/dtp/pkg/transferlog"
	"github.com/skycoin/dtp/pkg/transport"
	"github.com/skycoin/dtp/pkg/unit"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

var peer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000}

type env struct {
	sched   *scheduler.Pool
	local   *transport.MockTransport
	remote  *transport.MockTransport
	factory *fileio.MemorySinkFactory
	srv     *Server
}

func newEnv(t *testing.T, cfg Config) *env {
	sched := scheduler.NewPool(scheduler.DefaultConfig(), nil)
	t.Cleanup(sched.Stop)

	local, remote := transport.NewMockPair(sched)
	factory := new(fileio.MemorySinkFactory)
	srv, err := New(cfg, sched, local, factory)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, srv.Close()) })

	return &env{sched: sched, local: local, remote: remote, factory: factory, srv: srv}
}

func mkUnit(txID uint32, mt unit.MessageType, seq uint32, payload string) *unit.Unit {
	u := unit.New(txID, mt, seq, []byte(payload))
	u.Remote = peer
	return u
}

func requests(sent []*unit.Unit) []uint32 {
	var seqs []uint32
	for _, u := range sent {
		if u.Type == unit.RetransmitRequest {
			seqs = append(seqs, u.Sequence)
		}
	}
	return seqs
}

func onlyEntry(t *testing.T, s *Server) *transferlog.Entry {
	entries, err := s.LogStore().Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestServer_Transfer(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	e.srv.handle(mkUnit(7, unit.Start, 0, "out.bin"))
	require.Equal(t, []uint32{7}, e.srv.Active())
	sinks := e.factory.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, "out.bin", sinks[0].Destination())

	e.srv.handle(mkUnit(7, unit.Data, 1, "hello"))
	e.srv.handle(mkUnit(7, unit.End, 2, "out.bin"))

	assert.Empty(t, e.srv.Active())
	assert.Equal(t, "hello", string(sinks[0].Bytes()))
	assert.Equal(t, []string{"destination", "write", "close"}, sinks[0].Calls())
	assert.Empty(t, e.local.Sent())

	entry := onlyEntry(t, e.srv)
	assert.Equal(t, transferlog.StatusCompleted, entry.Status)
	assert.EqualValues(t, 7, entry.TransactionID)
	assert.EqualValues(t, 5, entry.Bytes)
	assert.EqualValues(t, 3, entry.Units)
	assert.Equal(t, peer.String(), entry.Remote)

	t.Run("late duplicate ignored", func(t *testing.T) {
		e.srv.handle(mkUnit(7, unit.Start, 0, "out.bin"))
		assert.Len(t, e.factory.Sinks(), 1)
		assert.Empty(t, e.srv.Active())
	})
}

func TestServer_Reorder(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	e.srv.handle(mkUnit(3, unit.Data, 2, "world"))
	assert.Equal(t, []uint32{0}, requests(e.local.Sent()))
	assert.Empty(t, e.factory.Sinks())

	e.srv.handle(mkUnit(3, unit.End, 3, "f"))
	e.srv.handle(mkUnit(3, unit.Data, 1, "hello "))
	e.srv.handle(mkUnit(3, unit.Start, 0, "f"))

	sinks := e.factory.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, "hello world", string(sinks[0].Bytes()))
	assert.True(t, sinks[0].Closed())
	assert.Equal(t, transferlog.StatusCompleted, onlyEntry(t, e.srv).Status)

	for _, u := range e.local.Sent() {
		assert.Equal(t, peer, u.Remote)
		assert.EqualValues(t, 3, u.TransactionID)
	}
}

func TestServer_Duplicates(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	e.srv.handle(mkUnit(1, unit.Start, 0, "f"))
	e.srv.handle(mkUnit(1, unit.Data, 1, "a"))
	e.srv.handle(mkUnit(1, unit.Data, 1, "a"))
	e.srv.handle(mkUnit(1, unit.Data, 3, "c"))
	e.srv.handle(mkUnit(1, unit.Data, 3, "c"))
	e.srv.handle(mkUnit(1, unit.Data, 2, "b"))
	e.srv.handle(mkUnit(1, unit.End, 4, "f"))

	sinks := e.factory.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, "abc", string(sinks[0].Bytes()))
}

func TestServer_Ignored(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	bad := mkUnit(1, unit.Start, 0, "f")
	bad.Cookie = 0xdeadbeef
	e.srv.handle(bad)
	e.srv.handle(mkUnit(1, unit.RetransmitRequest, 0, ""))
	e.srv.handle(mkUnit(1, unit.MessageType(9), 0, ""))

	assert.Empty(t, e.factory.Sinks())
	assert.Empty(t, e.srv.Active())
	assert.Empty(t, e.local.Sent())
}

func TestServer_Collision(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	e.srv.handle(mkUnit(1, unit.Start, 0, "f"))

	intruder := unit.New(1, unit.Data, 1, []byte("evil"))
	intruder.Remote = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7001}
	e.srv.handle(intruder)

	e.srv.handle(mkUnit(1, unit.Data, 1, "good"))
	e.srv.handle(mkUnit(1, unit.End, 2, "f"))

	assert.Equal(t, "good", string(e.factory.Sinks()[0].Bytes()))
}

type failingSink struct {
	fileio.MemorySink
	err error
}

func (s *failingSink) Write([]byte) error { return s.err }

type failingFactory struct {
	sinks []*failingSink
}

func (f *failingFactory) Create() (fileio.Sink, error) {
	s := &failingSink{err: errors.New("disk full")}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func TestServer_SinkFailure(t *testing.T) {
	t.Run("write", func(t *testing.T) {
		sched := scheduler.NewPool(scheduler.DefaultConfig(), nil)
		defer sched.Stop()
		local, _ := transport.NewMockPair(sched)
		factory := new(failingFactory)

		srv, err := New(DefaultConfig(), sched, local, factory)
		require.NoError(t, err)
		defer func() { require.NoError(t, srv.Close()) }()

		srv.handle(mkUnit(1, unit.Start, 0, "f"))
		srv.handle(mkUnit(1, unit.Data, 1, "a"))

		assert.Empty(t, srv.Active())
		require.Len(t, factory.sinks, 1)
		assert.True(t, factory.sinks[0].Closed())
		assert.Equal(t, transferlog.StatusFailed, onlyEntry(t, srv).Status)

		srv.handle(mkUnit(1, unit.Data, 2, "b"))
		assert.Empty(t, srv.Active())
	})

	t.Run("create", func(t *testing.T) {
		e := newEnv(t, DefaultConfig())
		e.factory.Err = errors.New("no space")

		e.srv.handle(mkUnit(1, unit.Start, 0, "f"))
		e.srv.handle(mkUnit(1, unit.Data, 1, "a"))

		assert.Empty(t, e.srv.Active())
		assert.Equal(t, transferlog.StatusFailed, onlyEntry(t, e.srv).Status)
	})
}

func TestServer_Sweep(t *testing.T) {
	cfg := Config{
		RetransmitInterval: 20 * time.Millisecond,
		IdleTimeout:        300 * time.Millisecond,
		SweepInterval:      10 * time.Millisecond,
	}

	t.Run("tail loss", func(t *testing.T) {
		e := newEnv(t, cfg)
		e.srv.handle(mkUnit(1, unit.Start, 0, "f"))
		e.srv.handle(mkUnit(1, unit.Data, 1, "a"))

		require.Eventually(t, func() bool {
			seqs := requests(e.local.Sent())
			return len(seqs) > 0 && seqs[0] == 2
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("idle transfer abandoned", func(t *testing.T) {
		e := newEnv(t, cfg)
		e.srv.handle(mkUnit(1, unit.Start, 0, "f"))

		require.Eventually(t, func() bool {
			return len(e.srv.Active()) == 0
		}, 2*time.Second, 10*time.Millisecond)
		assert.True(t, e.factory.Sinks()[0].Closed())
		assert.Equal(t, transferlog.StatusAbandoned, onlyEntry(t, e.srv).Status)
	})
}

func TestServer_Close(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	e.srv.handle(mkUnit(1, unit.Start, 0, "f"))
	require.NoError(t, e.srv.Close())

	assert.Empty(t, e.srv.Active())
	assert.True(t, e.factory.Sinks()[0].Closed())
	assert.Equal(t, transferlog.StatusAbandoned, onlyEntry(t, e.srv).Status)

	e.srv.handle(mkUnit(2, unit.Start, 0, "g"))
	assert.Len(t, e.factory.Sinks(), 1)
}

// lossyFilter drops the first transmission of every listed sequence.
type lossyFilter struct {
	mu   sync.Mutex
	drop map[uint32]bool
}

func (f *lossyFilter) filter(u *unit.Unit) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drop[u.Sequence] {
		delete(f.drop, u.Sequence)
		return true
	}
	return false
}

func TestEndToEnd_Lossy(t *testing.T) {
	e := newEnv(t, Config{
		RetransmitInterval: 20 * time.Millisecond,
		IdleTimeout:        5 * time.Second,
		SweepInterval:      10 * time.Millisecond,
	})

	lossy := &lossyFilter{drop: map[uint32]bool{0: true, 2: true, 5: true}}
	e.remote.SetDropFilter(lossy.filter)

	data := bytes.Repeat([]byte("0123456789abcdef"), 16)
	var chunks [][]byte
	for i := 0; i < len(data); i += 64 {
		chunks = append(chunks, data[i:i+64])
	}

	c, err := client.New(client.Config{ChunkSize: 64}, e.remote, fileio.NewMemorySource("e2e.bin", chunks...))
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))

	require.Eventually(t, func() bool {
		entries, err := e.srv.LogStore().Entries()
		return err == nil && len(entries) == 1 && entries[0].Status == transferlog.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	sinks := e.factory.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, "e2e.bin", sinks[0].Destination())
	assert.Equal(t, data, sinks[0].Bytes())
	assert.True(t, c.Sent() > 6)
}
