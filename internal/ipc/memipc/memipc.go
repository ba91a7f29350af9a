// Package memipc is an in-process implementation of the internal/ipc fabric
// boundary, modeled on mcastrelay's channel-per-subscriber fan-out
// (mcastrelay/internal/multicast.Listener.Subscribe/broadcast): each topic
// is a bounded queue of loaned chunks, and a WaitSet multiplexes several
// topics' "has data" signals behind one blocking call, the same shape as
// iceoryx's wait-set the gateway is built to sit on top of in production.
// It exists so the gateway can run and be tested standalone without a real
// shared-memory IPC runtime, which spec.md §1 explicitly treats as an
// external collaborator.
package memipc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/malbeclabs/p3gateway/internal/ipc"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

const defaultQueueDepth = 256

var tokenCounter uint64

func nextToken() ipc.ChunkToken {
	return ipc.ChunkToken(atomic.AddUint64(&tokenCounter, 1))
}

type topic struct {
	mu      sync.Mutex
	queue   []ipc.ChunkHeader
	pending map[ipc.ChunkToken]ipc.ChunkHeader
	notify  chan struct{}
	ready   int32 // not read or written; emptiness is len(queue)
}

func newTopic() *topic {
	return &topic{
		pending: make(map[ipc.ChunkToken]ipc.ChunkHeader),
		notify:  make(chan struct{}, 1),
	}
}

func (t *topic) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Fabric is the in-memory Fabric implementation.
type Fabric struct {
	mu     sync.Mutex
	topics map[wire.ServiceID]*topic

	introspection *introspection
	samples       chan ipc.LocalInventorySample
}

// New constructs an empty Fabric.
func New() *Fabric {
	return &Fabric{
		topics:        make(map[wire.ServiceID]*topic),
		introspection: &introspection{},
		samples:       make(chan ipc.LocalInventorySample, 8),
	}
}

func (f *Fabric) topicFor(id wire.ServiceID) *topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[id]
	if !ok {
		t = newTopic()
		f.topics[id] = t
	}
	return t
}

func (f *Fabric) NewSubscriber(id wire.ServiceID) (ipc.Subscriber, error) {
	return &subscriber{id: id, topic: f.topicFor(id)}, nil
}

func (f *Fabric) NewPublisher(id wire.ServiceID) (ipc.Publisher, error) {
	return &publisher{id: id, topic: f.topicFor(id), uid: nextToken()}, nil
}

func (f *Fabric) NewWaitSet() ipc.WaitSet {
	return &waitSet{}
}

func (f *Fabric) Introspection() ipc.Introspection { return f.introspection }

func (f *Fabric) LocalInventorySamples() <-chan ipc.LocalInventorySample { return f.samples }

// PushLocalInventorySample lets a standalone main (or a test) drive the
// Discovery Manager's reactor with a synthetic local inventory change,
// standing in for the real fabric's port-introspection feed.
func (f *Fabric) PushLocalInventorySample(s ipc.LocalInventorySample) {
	select {
	case f.samples <- s:
	default:
	}
}

type introspection struct {
	mu    sync.Mutex
	ports []uint64
}

func (i *introspection) PublishRegisteredPublishers(ports []uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ports = append([]uint64(nil), ports...)
}

type subscriber struct {
	id    wire.ServiceID
	topic *topic
}

func (s *subscriber) ServiceDescription() wire.ServiceID { return s.id }

func (s *subscriber) Take() (ipc.ChunkHeader, error) {
	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return ipc.ChunkHeader{}, ipc.ErrNoChunk
	}
	h := t.queue[0]
	t.queue = t.queue[1:]
	return h, nil
}

func (s *subscriber) Release(ipc.ChunkToken) {
	// In-memory chunks are garbage-collected Go slices: release is a no-op
	// here, present only to satisfy the fabric contract's ownership model.
}

func (s *subscriber) Unsubscribe() {}

type publisher struct {
	id    wire.ServiceID
	topic *topic
	uid   ipc.ChunkToken
}

func (p *publisher) ServiceDescription() wire.ServiceID { return p.id }
func (p *publisher) UID() uint64                        { return uint64(p.uid) }

func (p *publisher) Loan(payloadSize, payloadAlign, headerSize uint32) (ipc.ChunkHeader, error) {
	t := p.topic
	t.mu.Lock()
	if len(t.queue)+len(t.pending) >= defaultQueueDepth {
		t.mu.Unlock()
		return ipc.ChunkHeader{}, ipc.ErrAllocFailed
	}
	t.mu.Unlock()

	h := ipc.ChunkHeader{
		Token:                nextToken(),
		HasUserHeader:        headerSize > 0,
		UserHeaderSize:       headerSize,
		UserPayloadSize:      payloadSize,
		UserPayloadAlignment: payloadAlign,
		UserHeaderBytes:      make([]byte, headerSize),
		UserPayloadBytes:     make([]byte, payloadSize),
	}
	t.mu.Lock()
	t.pending[h.Token] = h
	t.mu.Unlock()
	return h, nil
}

func (p *publisher) Publish(token ipc.ChunkToken) {
	t := p.topic
	t.mu.Lock()
	h, ok := t.pending[token]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, token)
	t.queue = append(t.queue, h)
	t.mu.Unlock()
	t.signal()
}

func (p *publisher) Release(token ipc.ChunkToken) {
	t := p.topic
	t.mu.Lock()
	delete(t.pending, token)
	t.mu.Unlock()
}

// waitSet multiplexes several topics' notify channels behind one blocking
// TimedWait call, mirroring the 50ms-timeout reactor loop spec.md §5
// describes for every adapter.
type waitSet struct {
	mu   sync.Mutex
	subs []*subscriber
}

func (w *waitSet) AttachSubscriber(s ipc.Subscriber) {
	sub, ok := s.(*subscriber)
	if !ok {
		return
	}
	w.mu.Lock()
	w.subs = append(w.subs, sub)
	w.mu.Unlock()
}

func (w *waitSet) DetachSubscriber(s ipc.Subscriber) {
	sub, ok := s.(*subscriber)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, existing := range w.subs {
		if existing == sub {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			return
		}
	}
}

func (w *waitSet) TimedWait() []ipc.Notification {
	w.mu.Lock()
	subs := append([]*subscriber(nil), w.subs...)
	w.mu.Unlock()

	if len(subs) == 0 {
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	var notifications []ipc.Notification
	for _, sub := range subs {
		sub.topic.mu.Lock()
		hasData := len(sub.topic.queue) > 0
		sub.topic.mu.Unlock()
		if hasData {
			notifications = append(notifications, ipc.Notification{Service: sub.id})
		}
	}
	if len(notifications) > 0 {
		return notifications
	}

	cases := make([]chan struct{}, len(subs))
	for i, sub := range subs {
		cases[i] = sub.topic.notify
	}
	timeout := time.NewTimer(50 * time.Millisecond)
	defer timeout.Stop()
	select {
	case <-timeout.C:
		return nil
	case <-firstReady(cases):
		for _, sub := range subs {
			sub.topic.mu.Lock()
			hasData := len(sub.topic.queue) > 0
			sub.topic.mu.Unlock()
			if hasData {
				notifications = append(notifications, ipc.Notification{Service: sub.id})
			}
		}
		return notifications
	}
}

// firstReady fans a set of channels into one, returning as soon as any
// fires. Used only by TimedWait, where the number of attached topics per
// adapter is small (bounded by MAX_TOPICS in practice, tens in tests).
func firstReady(chans []chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	for _, c := range chans {
		go func(c chan struct{}) {
			select {
			case v, ok := <-c:
				if ok {
					select {
					case out <- v:
					default:
					}
				}
			case <-time.After(60 * time.Millisecond):
			}
		}(c)
	}
	return out
}
