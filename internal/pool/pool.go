package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Pool executes tasks in order of their deadlines, using a fixed number of goroutines.
// Tasks are added to the pool with a function that returns the next deadline.
// The pool will execute the tasks in the order of their deadlines, ensuring that
// tasks with earlier deadlines are executed before those with later deadlines.
// If a task is added while the pool is waiting for the next task, it will wake up
// the waiting goroutine to process the new task immediately.
//
// Workers stop when the context given to New is done. Running tasks observe
// the same context.
type Pool struct {
	mu    sync.Mutex
	queue []*task
	reg   map[string]*task
	wait  chan struct{}
	ctx   context.Context
	wg    sync.WaitGroup
}

type task struct {
	name     string
	fn       func(context.Context) time.Time
	deadline time.Time
	rerun    bool
	removed  bool
}

func New(ctx context.Context, workers int) *Pool {
	pool := &Pool{reg: make(map[string]*task), ctx: ctx}

	for range workers {
		pool.wg.Add(1)
		go pool.work()
	}

	return pool
}

// Add schedules fn to run now. Adding a name that is already registered
// triggers the existing task instead.
func (p *Pool) Add(name string, fn func(context.Context) time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.reg[name]; exists {
		p.trigger(name)
		return
	}

	p.push(&task{name: name, fn: fn, deadline: time.Now()})
}

// Remove drops the named task. A running task finishes its current run and
// is not rescheduled.
func (p *Pool) Remove(n string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.reg[n]
	if !ok {
		return false
	}

	delete(p.reg, n)
	if i := slices.Index(p.queue, t); i != -1 {
		p.queue = slices.Delete(p.queue, i, i+1)
	} else {
		t.removed = true
	}
	return true
}

// Len returns the number of registered tasks, queued or running.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reg)
}

// Wait blocks until all workers have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// work is the main loop for each worker goroutine.
func (p *Pool) work() {
	defer p.wg.Done()
	for {
		t := p.dequeue()
		if t == nil {
			return
		}
		p.enqueue(t.Execute(p.ctx))
	}
}

// Trigger runs the named task NOW, if it is in the queue, regardless of the
// previous deadline, by pulling it into the front of the queue. If the named
// task is not queued, it's running. In that case, we'll have it override its
// next deadline to NOW, causing an immediate re-run after the current run.
// Subsequent runs will use the deadline returned by the task's `fn`.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.trigger(n) {
		return fmt.Errorf("no task with name %s", n)
	}
	return nil
}

// trigger requires p.mu to be held.
func (p *Pool) trigger(n string) bool {
	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return true
	}
	// if it's not in p.queue, it must be running at the moment
	if t, ok := p.reg[n]; ok {
		t.rerun = true
		return true
	}
	return false
}

// sortAndWake is used in multiple places, but always needs to be run
// within a p.mu lock!
func (p *Pool) sortAndWake() {
	// Maintain the tasks in deadline order.
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})

	// Wake up any waiting goroutine.
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.removed {
		return
	}

	if t.deadline.IsZero() {
		// Task requested removal from the pool.
		if p.reg[t.name] == t {
			delete(p.reg, t.name)
		}
		return
	}

	if t.rerun {
		t.rerun = false
		t.deadline = time.Now()
	}

	p.push(t)
}

// push registers and queues t. It requires p.mu to be held.
func (p *Pool) push(t *task) {
	p.reg[t.name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
}

// dequeue returns the next task once its deadline has passed, or nil when
// the pool is stopped.
func (p *Pool) dequeue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.ctx.Err() != nil {
			return nil
		}

		var t *task
		if len(p.queue) == 0 {
			t = &task{name: "dummy", deadline: time.Now().Add(time.Hour * 24 * 365)} // Default to a far future deadline
		} else {
			t = p.queue[0]
		}

		if t.deadline.After(time.Now()) {
			// Task is not ready yet, wait for it to be executed or another (potentially earlier) task to arrive.

			if p.wait == nil {
				p.wait = make(chan struct{})
			}

			wait := p.wait

			p.mu.Unlock()

			timer := time.NewTimer(time.Until(t.deadline))
			select {
			case <-timer.C:
			case <-wait:
			case <-p.ctx.Done():
			}
			timer.Stop()

			p.mu.Lock()
			continue
		}

		// The first queued task is ready to be executed, remove it from the queue.
		break
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}

func (t *task) Execute(ctx context.Context) *task {
	t.deadline = t.fn(ctx)
	return t
}
