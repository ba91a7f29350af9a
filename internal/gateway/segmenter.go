package gateway

import (
	"errors"
	"log/slog"

	"github.com/alitto/pond/v2"

	"github.com/malbeclabs/p3gateway/internal/ipc"
	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// ErrMultiplePendingSubmessages is returned when a message would need more
// than one asynchronously-completing submessage against the same chunk.
// The protocol only ever tracks one outstanding async submessage per
// message (spec.md §4.5 invariant); a driver whose MaxMessageSize forces
// segmentation of a payload large enough to also cross WillBePending's
// threshold on more than one submessage is a misconfiguration, not
// something to silently truncate or double-book.
var ErrMultiplePendingSubmessages = errors.New("gateway: message requires more than one pending submessage")

// Destination is one outbound target for a segmented message: a driver and
// the peer device number within it.
type Destination struct {
	Driver transport.Driver
	Device uint32
}

// Segmenter is the Segmenter (C5): it splits one IPC chunk into
// DatagramHeader-prefixed submessages sized to fit each destination's
// MaxMessageSize, sends one destination's submessages concurrently on a
// worker pool (callers hand it one destination at a time), and
// registers any asynchronously-completing submessage with the Pending
// tracker so the source chunk isn't released back to the fabric early.
type Segmenter struct {
	log     *slog.Logger
	pool    pond.Pool
	pending *Pending
}

// NewSegmenter constructs a Segmenter with a bounded worker pool sized to
// workers concurrent submessage sends, mirroring the reactor-per-
// adapter concurrency model the rest of the gateway uses (spec.md §5).
func NewSegmenter(workers int, pending *Pending, log *slog.Logger) *Segmenter {
	if workers <= 0 {
		workers = 4
	}
	return &Segmenter{
		log:     log,
		pool:    pond.NewPool(workers),
		pending: pending,
	}
}

type submessagePlan struct {
	offset uint32
	size   uint32
}

// planSubmessages divides total bytes into chunks no larger than budget.
// total == 0 still yields one zero-length submessage, since an empty
// message still needs a header to announce message_hash/submessage_count
// to the receiver's Reassembler.
func planSubmessages(total, budget uint32) []submessagePlan {
	if budget == 0 {
		budget = 1
	}
	if total == 0 {
		return []submessagePlan{{0, 0}}
	}
	var plans []submessagePlan
	for off := uint32(0); off < total; {
		size := budget
		if off+size > total {
			size = total - off
		}
		plans = append(plans, submessagePlan{offset: off, size: size})
		off += size
	}
	return plans
}

// BeginFanout opens a release ticket covering destinationCount upcoming
// WriteSegmented calls against the same chunk, owned by sub. With a nil sub
// the ticket only tracks completion and releases nothing. Every destination — including ones skipped because no
// driver was available for it — must report exactly one of
// Ticket.MarkSyncDone or Ticket.RegisterAsync, or the chunk is never
// released.
func (s *Segmenter) BeginFanout(sub ipc.Subscriber, chunk ipc.ChunkHeader, destinationCount int) Ticket {
	if s.pending == nil {
		return Ticket{}
	}
	return s.pending.Begin(chunk.Token, sub, destinationCount)
}

// WriteSegmented is the Segmenter's entry point (spec.md §4.5): it segments
// chunk to fit dest and sends every submessage, reporting this destination's
// completion against ticket exactly once, whether the send landed
// synchronously or is still asynchronously in flight.
func (s *Segmenter) WriteSegmented(dest Destination, ticket Ticket, chunk ipc.ChunkHeader, serviceHash wire.Hash, messageHash uint32) error {
	combined := make([]byte, 0, chunk.UserHeaderSize+chunk.UserPayloadSize)
	if chunk.HasUserHeader {
		combined = append(combined, chunk.UserHeaderBytes...)
	}
	combined = append(combined, chunk.UserPayloadBytes...)

	budget := dest.Driver.MaxMessageSize()
	if budget <= wire.HeaderSize {
		ticket.MarkSyncDone()
		return errors.New("gateway: destination MaxMessageSize too small for header")
	}
	budget -= wire.HeaderSize

	plans := planSubmessages(uint32(len(combined)), budget)

	asyncCount := 0
	for _, p := range plans {
		if dest.Driver.WillBePending(p.size) {
			asyncCount++
		}
	}
	if asyncCount > 1 {
		ticket.MarkSyncDone()
		return ErrMultiplePendingSubmessages
	}

	if asyncCount == 1 {
		for _, p := range plans {
			if !dest.Driver.WillBePending(p.size) {
				continue
			}
			// The pending token must match the exact slice the driver's
			// BufferSent callback will later report: the submessage's own
			// backing array within combined, not the source chunk's.
			tok := Token(wire.PointerToken(combined[p.offset : p.offset+p.size]))
			ticket.RegisterAsync(tok)
			break
		}
	} else {
		ticket.MarkSyncDone()
	}

	headerTemplate := wire.DatagramHeader{
		ServiceHash:          wire.ServiceHashWire(serviceHash),
		MessageHash:          messageHash,
		SubmessageCount:      uint32(len(plans)),
		UserPayloadSize:      chunk.UserPayloadSize,
		UserPayloadAlignment: chunk.UserPayloadAlignment,
		UserHeaderSize:       chunk.UserHeaderSize,
	}

	group := s.pool.NewGroup()
	for _, p := range plans {
		p := p
		group.SubmitErr(func() error {
			h := headerTemplate
			h.SubmessageOffset = p.offset
			h.SubmessageSize = p.size

			var headerBuf [wire.HeaderSize]byte
			if err := h.Marshal(headerBuf[:]); err != nil {
				return err
			}
			pend, err := dest.Driver.SendUserData(headerBuf[:], combined[p.offset:p.offset+p.size], dest.Device)
			// A driver that did not take the registered submessage as pending
			// will never report BufferSent for it, so release it here.
			if !pend && s.pending != nil && dest.Driver.WillBePending(p.size) {
				s.pending.Release(Token(wire.PointerToken(combined[p.offset : p.offset+p.size])))
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		s.log.Warn("segmenter: submessage send failed", "error", err, "device", dest.Device, "kind", dest.Driver.Kind())
		return err
	}
	return nil
}

// Release stops accepting new work and waits for in-flight sends to drain.
func (s *Segmenter) Release() {
	s.pool.StopAndWait()
}

// AnyPending reports whether sub still has a chunk held by an outstanding
// asynchronous send, used by a Direction Adapter's delete_channel path to
// busy-wait until it's safe to drop sub (spec.md §4.8).
func (s *Segmenter) AnyPending(sub ipc.Subscriber) bool {
	return s.pending != nil && s.pending.AnyPending(sub)
}
