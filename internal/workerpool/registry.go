package workerpool

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/metaharvest/harvestpool/internal/ipc"
)

// registration pairs a RunFunc with its one-time InitFunc, keyed by pool id.
// Both a parent process (for the N=0 synchronous path) and a re-exec'd
// worker process (via RunWorker) look functions up by the same key, since
// registration happens identically in every invocation of the binary —
// worker processes cannot inherit a parent's in-memory closures, only code
// that runs again from the top.
type registration struct {
	run  RunFunc
	init InitFunc
}

var (
	registryMu sync.Mutex
	registry   = map[string]registration{}
)

// Register associates a RunFunc/InitFunc pair with a pool id. Call this
// unconditionally at program startup, before inspecting os.Args for the
// worker flag, so the same registration exists whether this process turns
// out to be the parent or a re-exec'd worker.
func Register(poolID string, run RunFunc, init InitFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[poolID] = registration{run: run, init: init}
}

func lookupRegistration(poolID string) (registration, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	reg, ok := registry[poolID]
	return reg, ok
}

// RunWorker is the entrypoint for a re-exec'd worker process: it looks up
// the function registered under poolID, attaches to the channel inherited
// on fd 3, runs InitFunc once, then services requests until the channel
// closes.
func RunWorker(poolID string) error {
	reg, ok := lookupRegistration(poolID)
	if !ok {
		return fmt.Errorf("workerpool: no function registered for pool %q", poolID)
	}

	ch, err := ipc.FromFile(os.NewFile(uintptr(3), "ipc-child"))
	if err != nil {
		return fmt.Errorf("workerpool: attach channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if reg.init != nil {
		if err := reg.init(); err != nil {
			return fmt.Errorf("workerpool: init: %w", err)
		}
	}

	for {
		raw, err := ch.ReadBlocking()
		if err != nil {
			if errors.Is(err, ipc.ErrChannelClosed) {
				return nil
			}
			return fmt.Errorf("workerpool: read request: %w", err)
		}

		id, payload, derr := decodeEnvelope(raw)
		if derr != nil {
			return fmt.Errorf("workerpool: decode request: %w", derr)
		}

		reply, rerr := reg.run(payload)
		if err := ch.Write(encodeReply(id, reply, rerr)); err != nil {
			return fmt.Errorf("workerpool: write reply: %w", err)
		}
	}
}

var (
	poolsMu sync.Mutex
	pools   = map[string]*Pool{}
)

func register(p *Pool) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	pools[p.id] = p
}

func unregister(id string) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	delete(pools, id)
}

// DestroyWorkerPools hard-cancels every live pool process-wide: pending
// requests are dropped and every worker process is killed.
func DestroyWorkerPools() error {
	poolsMu.Lock()
	ps := make([]*Pool, 0, len(pools))
	for _, p := range pools {
		ps = append(ps, p)
	}
	poolsMu.Unlock()

	var firstErr error
	for _, p := range ps {
		if err := p.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
