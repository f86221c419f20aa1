package facilitator

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const maxPayerLocks = 100_000

// payerLock is a reference-counted, lazily-created mutex per payer
// address. Settlement for a single payer must serialize — two concurrent
// settle calls for the same payer must observe one consistent nonce-store
// state — while settlement for distinct payers must run fully in parallel.
type payerLock struct {
	mu       sync.Mutex
	refcount int
}

// payerLocks is a bounded, idle-evicting map of payerLock, equivalent to
// reference-counted interning keyed by address: refcount counts callers
// between acquire and release, so an entry is safe to evict only when no
// caller holds or awaits it (refcount == 0) and its mutex is unlocked.
type payerLocks struct {
	mu    sync.Mutex
	locks map[common.Address]*payerLock
}

func newPayerLocks() *payerLocks {
	return &payerLocks{locks: make(map[common.Address]*payerLock)}
}

var errTooManyPayers = errors.New("too many concurrent payers")

// acquire returns a locked payerLock for addr, blocking until it is held.
// The caller must call release when done. Returns errTooManyPayers if the
// map is full and addr is not already present.
func (p *payerLocks) acquire(addr common.Address) (*payerLock, error) {
	p.mu.Lock()
	l, ok := p.locks[addr]
	if !ok {
		if len(p.locks) >= maxPayerLocks {
			p.mu.Unlock()
			return nil, errTooManyPayers
		}
		l = &payerLock{}
		p.locks[addr] = l
	}
	l.refcount++
	p.mu.Unlock()

	l.mu.Lock()
	return l, nil
}

// release unlocks l and decrements its refcount. The entry itself is only
// removed by evictIdle, which re-checks refcount under the map lock to
// avoid a race against a concurrent acquire.
func (p *payerLocks) release(addr common.Address, l *payerLock) {
	l.mu.Unlock()
	p.mu.Lock()
	l.refcount--
	p.mu.Unlock()
}

// evictIdle removes every entry whose refcount is 0 (no caller between
// acquire and release) and whose mutex is currently uncontended. It runs
// periodically from a background task.
func (p *payerLocks) evictIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for addr, l := range p.locks {
		if l.refcount > 0 {
			continue
		}
		if !l.mu.TryLock() {
			continue
		}
		l.mu.Unlock()
		delete(p.locks, addr)
		evicted++
	}
	return evicted
}

func (p *payerLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
