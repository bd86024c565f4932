// Package task implements the single-worker work queue that backs every
// buffer's asynchronous enqueue path.
package task

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// Func processes one queued element. The returned count and error become
// the token's result.
type Func func(elem any) (int, error)

// Task owns a FIFO of tokens and a worker that drains it while running.
type Task struct {
	fn Func

	mu      sync.Mutex
	cond    *sync.Cond
	list    *queue.Queue
	running bool
	stop    bool
	busy    bool
	inline  bool

	wg sync.WaitGroup
}

// Token is the handle of one queued element.
type Token struct {
	task      *Task
	elem      any
	autoclear bool
	queued    bool // guarded by task.mu

	mu   sync.Mutex
	done chan struct{}
	n    int
	err  error
	fin  bool
}

// New creates a task whose worker goroutine calls fn for every element.
// The task starts paused; call Start to let the worker drain the queue.
func New(fn Func) *Task {
	t := newTask(fn)
	t.wg.Add(1)
	go t.run()
	return t
}

// NewInline creates a task without a worker goroutine. Elements are
// processed on the caller's goroutine from Enqueue and Start while the
// task is running.
func NewInline(fn Func) *Task {
	t := newTask(fn)
	t.inline = true
	return t
}

func newTask(fn Func) *Task {
	t := &Task{
		fn:   fn,
		list: queue.New(),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *Task) run() {
	defer t.wg.Done()

	t.mu.Lock()
	for {
		t.busy = false
		t.cond.Broadcast()

		for !t.stop && (t.list.Length() == 0 || !t.running) {
			t.cond.Wait()
		}
		if t.stop {
			break
		}

		tok := t.list.Remove().(*Token)
		tok.queued = false
		t.busy = true
		t.mu.Unlock()

		t.process(tok)

		t.mu.Lock()
	}
	t.busy = false
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Task) process(tok *Token) {
	n, err := t.fn(tok.elem)
	tok.complete(n, err)
}

// drain runs queued elements on the calling goroutine (inline tasks only).
func (t *Task) drain() {
	for {
		t.mu.Lock()
		if t.stop || !t.running || t.list.Length() == 0 {
			t.mu.Unlock()
			return
		}
		tok := t.list.Remove().(*Token)
		tok.queued = false
		t.mu.Unlock()

		t.process(tok)
	}
}

func (t *Task) enqueue(elem any, autoclear bool) (*Token, error) {
	tok := &Token{
		task:      t,
		elem:      elem,
		autoclear: autoclear,
		done:      make(chan struct{}),
	}
	if err := t.push(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func (t *Task) push(tok *Token) error {
	t.mu.Lock()
	if t.stop {
		t.mu.Unlock()
		return unix.EBADF
	}
	if tok.queued {
		t.mu.Unlock()
		return unix.EEXIST
	}
	tok.queued = true
	t.list.Add(tok)
	t.cond.Broadcast()
	t.mu.Unlock()

	if t.inline {
		t.drain()
	}
	return nil
}

// Enqueue appends elem to the queue and returns its token.
// It fails with EBADF once the task has been destroyed.
func (t *Task) Enqueue(elem any) (*Token, error) {
	return t.enqueue(elem, false)
}

// EnqueueAutoclear appends elem without handing a token to the caller.
func (t *Task) EnqueueAutoclear(elem any) error {
	_, err := t.enqueue(elem, true)
	return err
}

// Requeue puts a completed token back at the tail of the queue.
// It fails with EEXIST if the token is still queued.
func (t *Task) Requeue(tok *Token) error {
	t.mu.Lock()
	if tok.queued {
		t.mu.Unlock()
		return unix.EEXIST
	}
	t.mu.Unlock()

	tok.mu.Lock()
	if tok.fin {
		tok.done = make(chan struct{})
		tok.fin = false
		tok.n, tok.err = 0, nil
	}
	tok.mu.Unlock()

	return t.push(tok)
}

// Flush marks every queued token done with EINTR. Elements being
// processed are not affected.
func (t *Task) Flush() {
	t.mu.Lock()
	for t.list.Length() > 0 {
		tok := t.list.Remove().(*Token)
		tok.queued = false
		t.mu.Unlock()

		tok.complete(0, unix.EINTR)

		t.mu.Lock()
	}
	t.mu.Unlock()
}

// Start lets the worker process queued tokens.
func (t *Task) Start() {
	t.mu.Lock()
	t.running = true
	t.cond.Broadcast()
	t.mu.Unlock()

	if t.inline {
		t.drain()
	}
}

// Pause stops the worker from taking new tokens without waiting for the
// one in progress.
func (t *Task) Pause() {
	t.mu.Lock()
	t.running = false
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Stop pauses the worker and waits until it is idle.
func (t *Task) Stop() {
	t.mu.Lock()
	t.running = false
	t.cond.Broadcast()
	for t.busy {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// Running reports whether the worker is allowed to process tokens.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Pending returns the number of queued tokens.
func (t *Task) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Length()
}

// Destroy stops the worker for good, joins it and fails every token
// still queued with EINTR.
func (t *Task) Destroy() {
	t.mu.Lock()
	t.stop = true
	t.cond.Broadcast()
	t.mu.Unlock()

	t.wg.Wait()
	t.Flush()
}

// remove unlinks tok from the queue if it is still there.
func (t *Task) remove(tok *Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !tok.queued {
		return false
	}

	found := false
	for i, n := 0, t.list.Length(); i < n; i++ {
		e := t.list.Remove().(*Token)
		if e == tok {
			found = true
			continue
		}
		t.list.Add(e)
	}
	tok.queued = false
	return found
}

func (tok *Token) complete(n int, err error) {
	tok.mu.Lock()
	if tok.fin {
		tok.mu.Unlock()
		return
	}
	tok.n, tok.err = n, err
	tok.fin = true
	close(tok.done)
	tok.mu.Unlock()
}

// Done reports whether the token's element has been processed, flushed
// or cancelled.
func (tok *Token) Done() bool {
	tok.mu.Lock()
	defer tok.mu.Unlock()
	return tok.fin
}

// Elem returns the payload the token was enqueued with.
func (tok *Token) Elem() any {
	return tok.elem
}

// Autoclear reports whether nobody will sync on the token.
func (tok *Token) Autoclear() bool {
	return tok.autoclear
}

// Cancel removes the token from the queue if it has not been picked up
// yet; it then completes with ETIMEDOUT. A token already being processed
// is left alone and Sync reports its real result.
func (tok *Token) Cancel() {
	if tok.task.remove(tok) {
		tok.complete(0, unix.ETIMEDOUT)
	}
}

func (tok *Token) doneChan() chan struct{} {
	tok.mu.Lock()
	defer tok.mu.Unlock()
	return tok.done
}

// Sync waits for the token to complete and returns its result. A zero
// timeout waits forever. When the timeout expires the token is cancelled;
// Sync then returns ETIMEDOUT if it was still queued, or waits for the
// in-flight element otherwise.
func (tok *Token) Sync(timeout time.Duration) (int, error) {
	done := tok.doneChan()

	switch {
	case tok.task.inline:
		select {
		case <-done:
		default:
			// Nothing else can complete it.
			tok.Cancel()
			<-done
		}
	case timeout > 0:
		timer := time.NewTimer(timeout)
		select {
		case <-done:
		case <-timer.C:
			tok.Cancel()
			<-done
		}
		timer.Stop()
	default:
		<-done
	}

	tok.mu.Lock()
	defer tok.mu.Unlock()
	return tok.n, tok.err
}
