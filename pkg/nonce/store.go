// Package nonce implements the replay-protection contract the facilitator
// relies on: an atomic claim/release primitive over 32-byte nonces, backed
// either by an in-memory map (development) or a persistent embedded SQL
// database (production).
package nonce

import "context"

// Store is the nonce-store contract. try_use is the only allowed claim
// primitive: every other operation is either read-only or a deliberate
// undo of a claim that never reached the chain.
//
// Implementations MUST be fail-secure: if the backing store is unreachable
// or in an inconsistent state, IsUsed must return true and TryUse must
// return false. It is always safer to reject a legitimate payment than to
// admit a replay.
type Store interface {
	// IsUsed reports whether nonce has already been consumed.
	IsUsed(ctx context.Context, nonce [32]byte) bool

	// TryUse atomically checks and claims nonce. It returns true if nonce
	// was not previously recorded and is now claimed, false if it was
	// already present.
	TryUse(ctx context.Context, nonce [32]byte) bool

	// Release removes a previously claimed nonce. Callers must only call
	// this when the claim succeeded but settlement aborted strictly before
	// any chain call could have reached the mempool — once a transaction
	// may have been broadcast, the nonce must never be released.
	Release(ctx context.Context, nonce [32]byte)

	// PurgeExpired deletes records older than maxAgeSecs and returns the
	// number of rows removed. Implementations must apply the clock-safety
	// guards described on MemoryStore/SQLStore: a backward or forward
	// clock jump causes the purge to be skipped entirely for that call.
	PurgeExpired(ctx context.Context, maxAgeSecs int64) int
}
