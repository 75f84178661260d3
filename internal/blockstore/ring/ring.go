// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package ring is an asynchronous submission/completion ring for device I/O.
// Callers prepare submission entries in a fixed batch buffer, submit them in
// one go and receive completions through callbacks. A pool of worker
// goroutines performs the actual preads, pwrites and fsyncs; completions are
// delivered back on the goroutine driving Loop, so all caller state is only
// ever touched from that single goroutine.
package ring

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Submission opcodes.
const (
	OpRead = iota + 1
	OpWrite
	OpWritev
	OpFsync
)

// CompletionFn receives the operation result: a byte count, or a negative
// errno on failure.
type CompletionFn func(res int64)

// SQE is one submission entry. The caller fills it in place after GetSQE.
// Iov is only used by OpWritev, Buf by OpRead and OpWrite.
type SQE struct {
	Opcode   int
	FD       int
	Offset   int64
	Buf      []byte
	Iov      [][]byte
	Callback CompletionFn
}

type completion struct {
	cb  CompletionFn
	res int64
}

// Ring hands out submission slots from a fixed-depth batch buffer and drives
// completion callbacks. It never blocks on submission: GetSQE returns nil
// when no slot is left.
type Ring struct {
	depth int

	sqes []SQE
	end  int

	inflight int

	submitCh chan SQE
	complCh  chan completion
	wakeupCh chan struct{}

	consumers []func()

	wg sync.WaitGroup
}

// New returns a ring with the given queue depth, served by workers I/O
// goroutines.
func New(depth, workers int) *Ring {
	r := &Ring{
		depth:    depth,
		sqes:     make([]SQE, depth),
		submitCh: make(chan SQE, depth),
		complCh:  make(chan completion, depth),
		wakeupCh: make(chan struct{}, 1),
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}

	return r
}

// GetSQE returns the next free submission slot, or nil when the ring is
// full. The slot stays valid until the next Submit or Restore.
func (r *Ring) GetSQE() *SQE {
	if r.SpaceLeft() == 0 {
		return nil
	}

	r.sqes[r.end] = SQE{}
	sqe := &r.sqes[r.end]
	r.end++

	return sqe
}

// SpaceLeft returns how many more SQEs can be prepared before the ring is
// full.
func (r *Ring) SpaceLeft() int {
	return r.depth - r.inflight - r.end
}

// Save returns the current submission cursor.
func (r *Ring) Save() int {
	return r.end
}

// Restore discards every SQE prepared after the saved cursor, atomically
// cancelling a partially-prepared batch.
func (r *Ring) Restore(pos int) {
	for i := pos; i < r.end; i++ {
		r.sqes[i] = SQE{}
	}
	r.end = pos
}

// Submit hands all prepared SQEs to the workers and returns their count.
func (r *Ring) Submit() int {
	n := r.end
	for i := 0; i < n; i++ {
		r.submitCh <- r.sqes[i]
		r.sqes[i] = SQE{}
	}
	r.inflight += n
	r.end = 0

	return n
}

// Wakeup makes sure the next Loop iteration re-runs the consumers even if no
// completion arrives.
func (r *Ring) Wakeup() {
	select {
	case r.wakeupCh <- struct{}{}:
	default:
	}
}

// RegisterConsumer adds a callable invoked on every Loop iteration.
func (r *Ring) RegisterConsumer(f func()) {
	r.consumers = append(r.consumers, f)
}

// HasInflight reports whether any submitted SQE has not completed yet.
func (r *Ring) HasInflight() bool {
	return r.inflight > 0
}

// Loop runs all registered consumers, submits what they prepared and then
// waits for the next completion or wakeup. Completion callbacks run here, on
// the calling goroutine.
func (r *Ring) Loop() {
	for _, c := range r.consumers {
		c()
	}

	r.Submit()
	r.waitEvent()
}

// Blocks until at least one completion or an explicit wakeup arrives, then
// drains all further completions without blocking.
func (r *Ring) waitEvent() {
	if r.inflight > 0 {
		select {
		case c := <-r.complCh:
			r.handle(c)
		case <-r.wakeupCh:
		}
	} else {
		<-r.wakeupCh
	}

	for {
		select {
		case c := <-r.complCh:
			r.handle(c)
		default:
			return
		}
	}
}

func (r *Ring) handle(c completion) {
	r.inflight--
	if c.cb != nil {
		c.cb(c.res)
	}
}

// Close stops the workers. Pending submissions are still executed; their
// completions are dropped.
func (r *Ring) Close() {
	close(r.submitCh)
	r.wg.Wait()
}

func (r *Ring) worker() {
	defer r.wg.Done()

	for sqe := range r.submitCh {
		r.complCh <- completion{sqe.Callback, execute(&sqe)}
	}
}

// Performs one submission synchronously and returns the ring result code.
func execute(sqe *SQE) int64 {
	switch sqe.Opcode {
	case OpRead:
		return ioFull(sqe, unix.Pread)
	case OpWrite:
		return ioFull(sqe, unix.Pwrite)
	case OpWritev:
		var want int
		for _, iov := range sqe.Iov {
			want += len(iov)
		}
		n, err := unix.Pwritev(sqe.FD, sqe.Iov, sqe.Offset)
		if err != nil {
			return errnoResult(err)
		}
		if n != want {
			return -int64(unix.EIO)
		}
		return int64(n)
	case OpFsync:
		if err := unix.Fdatasync(sqe.FD); err != nil {
			return errnoResult(err)
		}
		return 0
	}

	return -int64(unix.EINVAL)
}

// Retries short transfers so callers always observe all-or-nothing I/O.
func ioFull(sqe *SQE, xfer func(fd int, p []byte, off int64) (int, error)) int64 {
	buf, off := sqe.Buf, sqe.Offset
	done := 0
	for len(buf) > 0 {
		n, err := xfer(sqe.FD, buf, off)
		if err != nil {
			return errnoResult(err)
		}
		if n == 0 {
			return -int64(unix.EIO)
		}
		buf = buf[n:]
		off += int64(n)
		done += n
	}

	return int64(done)
}

func errnoResult(err error) int64 {
	if errno, ok := err.(unix.Errno); ok {
		return -int64(errno)
	}
	return -int64(unix.EIO)
}
