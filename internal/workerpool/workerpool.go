// Package workerpool implements the bounded-queue, process-parallel worker
// pool: N long-lived child processes, each executing a registered run
// function in a request/reply loop over an internal/ipc channel, dispatched
// and reaped by a single-threaded parent.
package workerpool

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"
	"github.com/metaharvest/harvestpool/internal/config"
	"github.com/metaharvest/harvestpool/internal/ipc"
	"github.com/metaharvest/harvestpool/internal/logging"
)

// RunFunc processes one request payload and produces a reply payload, inside
// a worker process (or, for a zero-worker pool, synchronously in the
// submitter).
type RunFunc func(request []byte) (reply []byte, err error)

// InitFunc runs once per worker process before its request loop starts.
type InitFunc func() error

// WorkerFlagName is the flag a re-exec'd worker process is invoked with,
// carrying the pool id to look up in the registry.
const WorkerFlagName = "worker-pool"

// Request is one submitted unit of work.
type Request struct {
	ID      uint64
	Payload []byte
}

// Result is one completed unit of work, correlated back to its Request by
// ID. Results are not delivered in submission order.
type Result struct {
	RequestID uint64
	Payload   []byte
	Err       error
}

// ErrWorkerDied is the sentinel wrapped by WorkerDiedError.
var ErrWorkerDied = errors.New("workerpool: worker died")

// WorkerDiedError reports that a pool-owned worker process exited.
type WorkerDiedError struct {
	PID  int
	Exit int
}

func (e *WorkerDiedError) Error() string {
	return fmt.Sprintf("workerpool: worker pid %d exited with code %d", e.PID, e.Exit)
}

func (e *WorkerDiedError) Unwrap() error { return ErrWorkerDied }

type workerSlot struct {
	pid      int
	cmd      *exec.Cmd
	ch       *ipc.Channel
	active   bool
	reqID    uint64
	exitSet  bool
	exitCode int
}

// Pool dispatches requests across N worker slots, bounding the pending
// queue and draining an effectively unbounded result stream.
type Pool struct {
	id       string
	workers  int
	maxQueue int
	log      logging.Logger

	synchronous RunFunc

	mu      sync.Mutex
	slots   []*workerSlot
	pending []Request
	nextID  uint64
	deadErr error

	resultsIn  chan Result
	resultsOut chan Result
}

const dispatchPollInterval = 50 * time.Millisecond

// newPool constructs a Pool's core dispatch state, without spawning any
// worker processes. Exposed internally so tests can drive dispatch logic
// against fake slots without a real re-exec.
func newPool(cfg config.PoolConfig, synchronous RunFunc, log logging.Logger) *Pool {
	p := &Pool{
		id:          cfg.PoolID,
		workers:     cfg.Workers,
		maxQueue:    cfg.MaxQueue,
		log:         log,
		synchronous: synchronous,
		resultsIn:   make(chan Result, 1),
		resultsOut:  make(chan Result),
	}
	go p.pumpResults()
	return p
}

// NewPool constructs and starts a pool for the given configuration. The
// RunFunc/InitFunc pair must already be registered (via Register) under
// cfg.PoolID, since worker processes re-exec this same binary and look up
// their function independently, by name, rather than receiving it directly
// from the parent.
func NewPool(cfg config.PoolConfig, log logging.Logger) (*Pool, error) {
	cfg.NormalizeDefaults()
	if cfg.PoolID == "" {
		return nil, errors.New("workerpool: PoolID must be set")
	}

	reg, ok := lookupRegistration(cfg.PoolID)
	if !ok {
		return nil, fmt.Errorf("workerpool: no function registered for pool %q", cfg.PoolID)
	}

	p := newPool(cfg, reg.run, log)

	if cfg.Workers == 0 {
		if reg.init != nil {
			if err := reg.init(); err != nil {
				return nil, fmt.Errorf("workerpool: init: %w", err)
			}
		}
		register(p)
		return p, nil
	}

	for i := 0; i < cfg.Workers; i++ {
		if err := p.spawnWorker(); err != nil {
			_ = p.Destroy()
			return nil, err
		}
	}

	register(p)
	return p, nil
}

func (p *Pool) spawnWorker() error {
	parentCh, childFile, err := ipc.NewSocketpair()
	if err != nil {
		return fmt.Errorf("workerpool: %w", err)
	}

	cmd := exec.Command(os.Args[0], "-"+WorkerFlagName+"="+p.id)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = childFile.Close()
		_ = parentCh.Close()
		return fmt.Errorf("workerpool: spawn worker: %w", err)
	}
	_ = childFile.Close()

	slot := &workerSlot{pid: cmd.Process.Pid, cmd: cmd, ch: parentCh}
	p.mu.Lock()
	p.slots = append(p.slots, slot)
	p.mu.Unlock()

	go p.reap(slot)

	return nil
}

func (p *Pool) reap(sl *workerSlot) {
	err := sl.cmd.Wait()
	code := exitCodeOf(err)
	p.mu.Lock()
	sl.exitSet = true
	sl.exitCode = code
	p.mu.Unlock()
}

// AddRequest submits payload for processing. With zero workers, it runs
// synchronously and the result is available immediately via WaitUntilDone.
// Otherwise it blocks while the pending queue is at its bound, then enqueues
// and triggers a dispatch cycle.
func (p *Pool) AddRequest(payload []byte) error {
	p.mu.Lock()
	dead := p.deadErr
	workers := p.workers
	p.mu.Unlock()
	if dead != nil {
		return dead
	}

	if workers == 0 {
		reply, err := p.synchronous(payload)
		p.resultsIn <- Result{Payload: reply, Err: err}
		return nil
	}

	for {
		p.mu.Lock()
		full := len(p.pending) >= p.maxQueue
		p.mu.Unlock()
		if !full {
			break
		}
		if err := p.dispatch(); err != nil {
			return err
		}
		// Sleep rather than drain resultsOut, so replies collected while
		// waiting stay queued for WaitUntilDone.
		time.Sleep(dispatchPollInterval)
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.pending = append(p.pending, Request{ID: id, Payload: payload})
	p.mu.Unlock()

	return p.dispatch()
}

// dispatch runs one cycle: reap-triggered failure check, pop pending
// requests onto idle slots, then a non-blocking poll of every active slot
// for a reply.
func (p *Pool) dispatch() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deadErr != nil {
		return p.deadErr
	}

	for _, sl := range p.slots {
		if sl.exitSet {
			p.deadErr = &WorkerDiedError{PID: sl.pid, Exit: sl.exitCode}
			return p.deadErr
		}
	}

	for len(p.pending) > 0 {
		idle := p.idleSlotLocked()
		if idle == nil {
			break
		}
		req := p.pending[0]
		p.pending = p.pending[1:]
		idle.reqID = req.ID
		idle.active = true
		if err := idle.ch.Write(encodeEnvelope(req.ID, req.Payload)); err != nil {
			p.deadErr = fmt.Errorf("workerpool: write to worker pid %d: %w", idle.pid, err)
			return p.deadErr
		}
	}

	for _, sl := range p.slots {
		if !sl.active {
			continue
		}
		raw, err := sl.ch.ReadNonBlocking()
		if err != nil {
			p.deadErr = fmt.Errorf("workerpool: read from worker pid %d: %w", sl.pid, err)
			return p.deadErr
		}
		if raw == nil {
			continue
		}
		id, payload, ferr, derr := decodeReply(raw)
		if derr != nil {
			p.deadErr = fmt.Errorf("workerpool: decode reply from worker pid %d: %w", sl.pid, derr)
			return p.deadErr
		}
		sl.active = false
		p.resultsIn <- Result{RequestID: id, Payload: payload, Err: ferr}
	}

	return nil
}

func (p *Pool) idleSlotLocked() *workerSlot {
	for _, sl := range p.slots {
		if !sl.active {
			return sl
		}
	}
	return nil
}

// RequestsActive reports whether any worker slot currently has an
// outstanding request (i.e. has been written to but not yet replied).
func (p *Pool) RequestsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sl := range p.slots {
		if sl.active {
			return true
		}
	}
	return false
}

// WaitUntilDone drains dispatch cycles and collects replies until the
// pending queue is empty and no slot is active, or a fatal error occurs.
// Collected results are not in submission order, except in the degenerate
// zero-worker case.
func (p *Pool) WaitUntilDone() ([]Result, error) {
	var collected []Result

	if p.workers == 0 {
		p.pollBriefly(&collected)
		return collected, nil
	}

	for {
		if err := p.dispatch(); err != nil {
			return collected, err
		}
		p.pollBriefly(&collected)

		p.mu.Lock()
		done := len(p.pending) == 0 && !p.anyActiveLocked()
		p.mu.Unlock()
		if done {
			break
		}
	}

	return collected, nil
}

func (p *Pool) anyActiveLocked() bool {
	for _, sl := range p.slots {
		if sl.active {
			return true
		}
	}
	return false
}

// pollBriefly drains whatever results are currently available from
// resultsOut within a short partial timeout, instead of a hand-rolled sleep
// loop. collect may be nil to simply discard what's drained.
func (p *Pool) pollBriefly(collect *[]Result) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchPollInterval)
	defer cancel()
	_ = longpoll.Channel(ctx, &longpoll.ChannelConfig{
		MaxSize:        -1,
		MinSize:        -1,
		PartialTimeout: dispatchPollInterval,
	}, p.resultsOut, func(r Result) error {
		if collect != nil {
			*collect = append(*collect, r)
		}
		return nil
	})
}

// pumpResults relays from the single-slot resultsIn channel to resultsOut
// via a growable backlog, so producers (dispatch, the N=0 synchronous path)
// never block on a consumer that hasn't caught up — an unbounded result
// queue expressed with ordinary channels.
func (p *Pool) pumpResults() {
	defer close(p.resultsOut)
	var backlog []Result
	for {
		if len(backlog) == 0 {
			v, ok := <-p.resultsIn
			if !ok {
				return
			}
			backlog = append(backlog, v)
			continue
		}
		select {
		case v, ok := <-p.resultsIn:
			if !ok {
				for _, r := range backlog {
					p.resultsOut <- r
				}
				return
			}
			backlog = append(backlog, v)
		case p.resultsOut <- backlog[0]:
			backlog = backlog[1:]
		}
	}
}

// Destroy hard-cancels this pool: pending requests are dropped, channels to
// every worker are closed, and worker processes are killed.
func (p *Pool) Destroy() error {
	unregister(p.id)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil

	var firstErr error
	for _, sl := range p.slots {
		_ = sl.ch.Close()
		if sl.cmd != nil && sl.cmd.Process != nil {
			if err := sl.cmd.Process.Kill(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func encodeEnvelope(id uint64, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf, id)
	copy(buf[8:], payload)
	return buf
}

func decodeEnvelope(b []byte) (id uint64, payload []byte, err error) {
	if len(b) < 8 {
		return 0, nil, errors.New("workerpool: request envelope too short")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func encodeReply(id uint64, payload []byte, ferr error) []byte {
	const (
		flagOK    = 0
		flagError = 1
	)
	flag := byte(flagOK)
	body := payload
	if ferr != nil {
		flag = flagError
		body = []byte(ferr.Error())
	}
	buf := make([]byte, 9+len(body))
	binary.BigEndian.PutUint64(buf[0:8], id)
	buf[8] = flag
	copy(buf[9:], body)
	return buf
}

func decodeReply(b []byte) (id uint64, payload []byte, ferr error, err error) {
	const flagOK = 0
	if len(b) < 9 {
		return 0, nil, nil, errors.New("workerpool: reply envelope too short")
	}
	id = binary.BigEndian.Uint64(b[0:8])
	flag := b[8]
	body := b[9:]
	if flag != flagOK {
		return id, nil, errors.New(string(body)), nil
	}
	return id, body, nil, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
