// Package gateway implements the data-plane components that sit between
// the Discovery Manager and the transport registry: the Segmenter, the
// Reassembler, the Pending-buffer tracker and the three Direction Adapters
// (spec.md §4.5-4.9).
package gateway

import (
	"sync"

	"github.com/malbeclabs/p3gateway/internal/ipc"
)

// Token identifies one outstanding asynchronous send, keyed the same way
// the Interconnect driver's BufferSentCallback identifies it: the opaque
// payload identity handed to SendUserData (spec.md §9 "raw pointers keyed
// in maps", mirrored here as a plain uintptr rather than re-deriving it).
type Token uintptr

// chunkRefcount is one chunk's overall release bookkeeping: how many of the
// destinations it was fanned out to have yet to report completion, however
// each reports it (synchronous sends complete inline; asynchronous ones
// complete later via a driver's BufferSent callback routed through
// Pending.Release).
type chunkRefcount struct {
	chunk      ipc.ChunkToken
	subscriber ipc.Subscriber
	remaining  int
}

// Pending is the Pending-buffer Tracker (C7): it holds a chunk "checked
// out" of the IPC fabric for as long as any destination it was fanned out
// to still has an asynchronous send outstanding against it, and releases
// the chunk back to the fabric exactly once, when every destination has
// completed (spec.md §4.7).
type Pending struct {
	mu     sync.Mutex
	bySend map[Token]*chunkRefcount
}

// NewPending constructs an empty Pending tracker.
func NewPending() *Pending {
	return &Pending{bySend: make(map[Token]*chunkRefcount)}
}

// Ticket is the handle a Segmenter fan-out holds for one chunk's overall
// release accounting across every destination it sends to.
type Ticket struct {
	pending *Pending
	ref     *chunkRefcount
}

// Begin opens a release ticket for chunk, owned by sub, about to be fanned
// out to destinationCount destinations. Call MarkSyncDone once per
// synchronous destination and RegisterAsync once per asynchronous one;
// the chunk is released back to sub exactly when all of them have reported
// in, however they do so (spec.md §4.5 "pending bookkeeping").
func (p *Pending) Begin(chunk ipc.ChunkToken, sub ipc.Subscriber, destinationCount int) Ticket {
	if destinationCount <= 0 {
		return Ticket{}
	}
	ref := &chunkRefcount{chunk: chunk, subscriber: sub, remaining: destinationCount}
	return Ticket{pending: p, ref: ref}
}

// MarkSyncDone accounts for one destination that has already completed
// synchronously (SendUserData returned pending=false), or that was skipped
// entirely (e.g. no driver available for it). Releases the chunk
// immediately if this was the last outstanding destination. A no-op on the
// zero Ticket returned when no Pending tracker is wired in.
func (t Ticket) MarkSyncDone() {
	if t.pending == nil {
		return
	}
	t.pending.mu.Lock()
	defer t.pending.mu.Unlock()
	t.pending.decrementLocked(t.ref)
}

// RegisterAsync records that tok is the identity a transport driver will
// later report back through its BufferSent callback for one asynchronous
// destination of this ticket's chunk. A no-op on the zero Ticket.
func (t Ticket) RegisterAsync(tok Token) {
	if t.pending == nil {
		return
	}
	t.pending.mu.Lock()
	defer t.pending.mu.Unlock()
	t.pending.bySend[tok] = t.ref
}

// Release is wired directly to every transport driver's BufferSent
// callback. It looks up which chunk tok's completion belongs to, decrements
// that chunk's outstanding-destination count, and releases the chunk back
// to its subscriber once it reaches zero. Returns true if this call caused
// the release (spec.md §4.7 "BufferSent decrements the refcount; at zero,
// Release the chunk").
func (p *Pending) Release(tok Token) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.bySend[tok]
	if !ok {
		return false
	}
	delete(p.bySend, tok)
	return p.decrementLocked(ref)
}

func (p *Pending) decrementLocked(ref *chunkRefcount) bool {
	ref.remaining--
	if ref.remaining > 0 {
		return false
	}
	// A ticket opened with a nil subscriber has no chunk to hand back, so
	// there's nothing left to do here but clear the bookkeeping entry.
	if ref.subscriber != nil {
		ref.subscriber.Release(ref.chunk)
	}
	return true
}

// AnyPending reports whether sub currently has at least one chunk held by
// an outstanding asynchronous send (spec.md §4.9). The L→R adapter uses it,
// through Segmenter.AnyPending, to wait for in-flight sends to finish before
// dropping a subscriber.
func (p *Pending) AnyPending(sub ipc.Subscriber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ref := range p.bySend {
		if ref.subscriber == sub {
			return true
		}
	}
	return false
}

// Count reports the number of outstanding asynchronous sends, for metrics
// (SPEC_FULL.md §1.4 p3gateway_pending_sends).
func (p *Pending) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bySend)
}
