// Package scheduler implements the worker pool that runs every inbound unit
// and every timer fire of a dtp node as an independent task.
package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/skycoin/skycoin/src/util/logging"
)

const (
	// DefaultMinWorkers is the number of workers started by NewPool.
	DefaultMinWorkers = 2

	// DefaultMaxWorkers caps pool growth.
	DefaultMaxWorkers = 16
)

// ErrStopped is returned when posting to a stopped pool.
var ErrStopped = errors.New("scheduler: stopped")

// Scheduler accepts tasks and deferred tasks.
type Scheduler interface {
	// Post enqueues task for execution on any available worker.
	Post(task func()) error

	// StartTimer schedules task to run no earlier than d from now.
	StartTimer(d time.Duration, task func()) error
}

// Config configures a Pool.
type Config struct {
	MinWorkers int `json:"min_workers"`
	MaxWorkers int `json:"max_workers"`
}

// DefaultConfig returns a Config with default worker bounds.
func DefaultConfig() Config {
	return Config{
		MinWorkers: DefaultMinWorkers,
		MaxWorkers: DefaultMaxWorkers,
	}
}

type timerItem struct {
	at   time.Time
	seq  uint64
	task func()
}

func (t *timerItem) Less(than btree.Item) bool {
	o := than.(*timerItem)
	if t.at.Equal(o.at) {
		return t.seq < o.seq
	}
	return t.at.Before(o.at)
}

// Pool is a dynamically grown set of worker goroutines fed by a FIFO task
// queue and a deadline-ordered timer queue.
type Pool struct {
	log *logging.Logger
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []func()
	timers   *btree.BTree
	timerSeq uint64
	workers  int
	stopped  bool

	wakeAt    time.Time
	wakeTimer *time.Timer

	strandID int64
	wg       sync.WaitGroup
}

// NewPool creates a Pool and starts cfg.MinWorkers workers.
func NewPool(cfg Config, log *logging.Logger) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = DefaultMinWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if log == nil {
		log = logging.MustGetLogger("scheduler")
	}

	p := &Pool{
		log:    log,
		cfg:    cfg,
		timers: btree.New(2),
	}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawn()
	}
	p.mu.Unlock()
	return p
}

// Post implements Scheduler.
func (p *Pool) Post(task func()) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.tasks = append(p.tasks, task)
	if len(p.tasks) > p.workers && p.workers < p.cfg.MaxWorkers {
		p.spawn()
	}
	p.mu.Unlock()

	p.cond.Signal()
	return nil
}

// StartTimer implements Scheduler.
func (p *Pool) StartTimer(d time.Duration, task func()) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.timerSeq++
	item := &timerItem{at: time.Now().Add(d), seq: p.timerSeq, task: task}
	p.timers.ReplaceOrInsert(item)
	p.armWake(item.at)
	p.mu.Unlock()

	p.cond.Signal()
	return nil
}

// CreateStrand allocates a strand id. Tasks posted on a strand are not yet
// ordered relative to each other.
func (p *Pool) CreateStrand() int {
	return int(atomic.AddInt64(&p.strandID, 1))
}

// DestroyStrand releases a strand id.
func (p *Pool) DestroyStrand(id int) {}

// PostStrand posts task tagged with a strand id.
func (p *Pool) PostStrand(id int, task func()) error {
	return p.Post(task)
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Pending returns the number of queued tasks and timers.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks) + p.timers.Len()
}

// Stop signals every worker to exit and waits for them. Tasks that are
// running finish, queued tasks and timers are discarded. Stop must not be
// called from a pool task.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.tasks = nil
	p.timers.Clear(false)
	if p.wakeTimer != nil {
		p.wakeTimer.Stop()
	}
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
}

// REQUIRE: p.mu held
func (p *Pool) spawn() {
	p.workers++
	p.wg.Add(1)
	go p.work()
}

// REQUIRE: p.mu held
func (p *Pool) armWake(at time.Time) {
	if !p.wakeAt.IsZero() && !p.wakeAt.After(at) {
		return
	}
	if p.wakeTimer != nil {
		p.wakeTimer.Stop()
	}
	p.wakeAt = at
	p.wakeTimer = time.AfterFunc(time.Until(at), func() {
		p.mu.Lock()
		p.wakeAt = time.Time{}
		p.mu.Unlock()
		p.cond.Broadcast()
	})
}

func (p *Pool) work() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		if p.stopped {
			p.workers--
			p.mu.Unlock()
			return
		}

		if item, ok := p.timers.Min().(*timerItem); ok && !item.at.After(time.Now()) {
			p.timers.DeleteMin()
			p.mu.Unlock()
			p.run(item.task)
			p.mu.Lock()
			continue
		}

		if len(p.tasks) > 0 {
			task := p.tasks[0]
			p.tasks[0] = nil
			p.tasks = p.tasks[1:]
			p.mu.Unlock()
			p.run(task)
			p.mu.Lock()
			continue
		}

		if item, ok := p.timers.Min().(*timerItem); ok {
			p.armWake(item.at)
		}
		p.cond.Wait()
	}
}

func (p *Pool) run(task func()) {
	if task == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("task panicked: %v", r)
		}
	}()
	task()
}
