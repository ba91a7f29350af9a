package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/p3gateway/internal/ipc"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// ReassemblyNsPerByte scales a message's reassembly deadline to its size
// (spec.md §4.6): a 40-byte header-only submessage gets a vanishingly small
// grace period, a large segmented message gets proportionally longer,
// mirroring the original implementation's per-byte timeout constant.
const ReassemblyNsPerByte = 500 * time.Nanosecond

// messageKey identifies one in-flight reassembly by the pair that is
// unique across the whole gateway: which service it's addressed to, and
// the sender-assigned message_hash within that service.
type messageKey struct {
	Service wire.Hash
	Msg     uint32
}

func keyOf(h wire.DatagramHeader) messageKey {
	return messageKey{Service: wire.HashFromWire(h.ServiceHash), Msg: h.MessageHash}
}

// partial is one message's reassembly state: the destination chunk loaned
// from the IPC fabric, and how many submessages are still outstanding.
// Submessages accumulate into a scratch buffer covering the whole
// header+payload span rather than directly into the loaned chunk's two
// separate slices, since a submessage's byte range can straddle the
// header/payload boundary; the scratch buffer is split back into the
// chunk's real header and payload slices once reassembly completes.
type partial struct {
	publisher  ipc.Publisher
	token      ipc.ChunkToken
	headerBuf  []byte
	payloadBuf []byte
	buf        []byte
	remaining  int
	// completed is set just before Decrement removes a fully-reassembled
	// entry from the cache. Removing an entry always runs the eviction
	// callback below regardless of why it was removed, so this flag is what
	// tells that callback apart a normal completion (already handed off to
	// the caller to Publish) from an abandoned one (never completed, its
	// loaned chunk must be released instead).
	completed bool
}

// Reassembler is the Reassembler (C6): it accumulates submessages arriving
// out of order on a lossy transport into one complete user message, and
// drops any message that doesn't complete before its size-scaled deadline
// (spec.md §4.6, §7 "partial messages are dropped, never blocked on
// forever"). It also backs the asynchronous buffer_needed path: the
// destination buffer it hands out is the same one later completed
// submessages copy into, whether or not an individual copy happened
// synchronously in the caller or asynchronously via a DMA-capable driver.
type Reassembler struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[messageKey, *partial]
}

// NewReassembler constructs a Reassembler. onExpire, if non-nil, is invoked
// (outside any lock) whenever a partial message times out before
// completing, so callers can release its loaned chunk back to the fabric
// and increment a drop counter.
func NewReassembler(onExpire func(pub ipc.Publisher, tok ipc.ChunkToken)) *Reassembler {
	cache := ttlcache.New[messageKey, *partial](
		ttlcache.WithDisableTouchOnHit[messageKey, *partial](),
	)
	if onExpire != nil {
		cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[messageKey, *partial]) {
			p := item.Value()
			if p.completed {
				return
			}
			onExpire(p.publisher, p.token)
		})
	}
	return &Reassembler{cache: cache}
}

// Begin returns the destination buffer for h's message, loaning a fresh
// chunk from pub on the first submessage and returning the same buffer for
// every later submessage of the same message (spec.md §4.6 "find or
// create"). The buffer is sized to the full user header + payload; callers
// slice it at h.SubmessageOffset:+h.SubmessageSize.
func (r *Reassembler) Begin(pub ipc.Publisher, h wire.DatagramHeader) ([]byte, error) {
	key := keyOf(h)

	r.mu.Lock()
	defer r.mu.Unlock()

	if item := r.cache.Get(key); item != nil {
		return item.Value().buf, nil
	}

	chunk, err := pub.Loan(h.UserPayloadSize, h.UserPayloadAlignment, h.UserHeaderSize)
	if err != nil {
		return nil, err
	}
	combined := make([]byte, len(chunk.UserHeaderBytes)+len(chunk.UserPayloadBytes))

	deadline := ReassemblyNsPerByte * time.Duration(wire.HeaderSize+h.UserPayloadSize)
	p := &partial{
		publisher:  pub,
		token:      chunk.Token,
		headerBuf:  chunk.UserHeaderBytes,
		payloadBuf: chunk.UserPayloadBytes,
		buf:        combined,
		remaining:  int(h.SubmessageCount),
	}
	r.cache.Set(key, p, deadline)
	return p.buf, nil
}

// Decrement records that one submessage of h's message has fully landed in
// the buffer Begin returned. Once every submessage has landed it returns
// the completed chunk (ready to Publish, and also readable by a Forwarder
// before it does) and true; the publisher that owns it is exactly the one
// passed to the matching Begin call.
func (r *Reassembler) Decrement(h wire.DatagramHeader) (ipc.Publisher, ipc.ChunkHeader, bool) {
	key := keyOf(h)

	r.mu.Lock()
	defer r.mu.Unlock()

	item := r.cache.Get(key)
	if item == nil {
		return nil, ipc.ChunkHeader{}, false
	}
	p := item.Value()
	p.remaining--
	if p.remaining > 0 {
		return nil, ipc.ChunkHeader{}, false
	}
	p.completed = true
	r.cache.Delete(key)
	copy(p.headerBuf, p.buf[:len(p.headerBuf)])
	copy(p.payloadBuf, p.buf[len(p.headerBuf):])
	chunk := ipc.ChunkHeader{
		Token:                p.token,
		HasUserHeader:        len(p.headerBuf) > 0,
		UserHeaderSize:       uint32(len(p.headerBuf)),
		UserPayloadSize:      uint32(len(p.payloadBuf)),
		UserPayloadAlignment: h.UserPayloadAlignment,
		UserHeaderBytes:      p.headerBuf,
		UserPayloadBytes:     p.payloadBuf,
	}
	return p.publisher, chunk, true
}

// CheckTimeouts forces an immediate sweep for expired partial messages,
// called once per reactor tick rather than relying solely on ttlcache's
// lazy, access-triggered expiry (spec.md §4.6 "Timeout sweep").
func (r *Reassembler) CheckTimeouts() {
	r.cache.DeleteExpired()
}

// ReleaseAll abandons every in-flight reassembly, used on shutdown
// (spec.md §4.6 "release_all"). The onExpire callback fires for each one,
// releasing its loaned chunk back to the fabric exactly as a timeout would.
func (r *Reassembler) ReleaseAll() {
	r.cache.DeleteAll()
}

// ReleasePublisher abandons every in-flight reassembly owned by pub,
// leaving every other publisher's in-flight state untouched. Called when a
// single topic's channel is torn down (spec.md §4.8 delete_channel) rather
// than the whole gateway, so it must not reach for ReleaseAll's blanket
// DeleteAll.
func (r *Reassembler) ReleasePublisher(pub ipc.Publisher) {
	r.mu.Lock()
	var dead []messageKey
	for key, item := range r.cache.Items() {
		if item.Value().publisher == pub {
			dead = append(dead, key)
		}
	}
	r.mu.Unlock()

	for _, key := range dead {
		r.cache.Delete(key)
	}
}

// Len reports the number of messages currently being reassembled, for
// metrics (SPEC_FULL.md §1.4 p3gateway_reassembly_inflight).
func (r *Reassembler) Len() int {
	return r.cache.Len()
}
