// Package tcp implements the reliable, ordered Stream transport. Framing
// and reconnect follow original_source/source/tcp/tcp_transport.cpp's
// session model (one persistent connection per peer, reconnected on
// failure); net.Conn framing itself has no idiomatic library wrapper
// among the retrieved examples, so it is written directly against
// encoding/binary and net, the same way the original's TcpTransportSession
// frames length-prefixed messages over a socket.
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// DefaultMaxMessageSize bounds one length-prefixed frame.
const DefaultMaxMessageSize = 64 * 1024

const lengthPrefixSize = 4

// Config configures the Stream transport.
type Config struct {
	Logger         *slog.Logger
	ListenAddr     string   // local accept address, e.g. "0.0.0.0:7763"
	PeerAddrs      []string // addresses of peers to dial outbound; device index order matches this slice
	MaxMessageSize uint32
	DialTimeout    time.Duration
}

type session struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *session) get() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) set(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = c
}

// Transport is the Stream driver (spec.md §4.3). Each peer has exactly one
// persistent connection; a broken connection is redialed in the background
// with exponential backoff rather than failing the whole transport, since
// on Stream a single peer's outage is not a reason to quarantine every
// other peer (unlike an unrecoverable local socket error, which does fail
// the transport — see fail()).
type Transport struct {
	log            *slog.Logger
	maxMessageSize uint32
	dialTimeout    time.Duration

	listener net.Listener
	status   atomic.Int32

	mu        sync.RWMutex
	sessions  map[uint32]*session
	addrs     []string

	onDiscovery transport.DiscoveryCallback
	onUserData  transport.UserDataCallback

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New starts accepting inbound connections and begins dialing every
// configured peer address in the background.
func New(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	ln, err := net.Listen("tcp4", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen: %w", err)
	}

	t := &Transport{
		log:            cfg.Logger,
		maxMessageSize: cfg.MaxMessageSize,
		dialTimeout:    cfg.DialTimeout,
		listener:       ln,
		sessions:       make(map[uint32]*session),
		addrs:          append([]string(nil), cfg.PeerAddrs...),
		done:           make(chan struct{}),
	}
	for i := range t.addrs {
		t.sessions[uint32(i)] = &session{}
	}

	t.wg.Add(1)
	go t.acceptLoop()
	for i, addr := range t.addrs {
		t.wg.Add(1)
		go t.dialLoop(uint32(i), addr)
	}
	return t, nil
}

func (t *Transport) Kind() wire.Kind { return wire.Stream }

func (t *Transport) RegisterDiscoveryCallback(cb transport.DiscoveryCallback) { t.onDiscovery = cb }
func (t *Transport) RegisterUserDataCallback(cb transport.UserDataCallback)   { t.onUserData = cb }
func (t *Transport) RegisterBufferNeeded(transport.BufferNeededCallback)      {}
func (t *Transport) RegisterBufferReleased(transport.BufferReleasedCallback) {}
func (t *Transport) RegisterBufferSent(transport.BufferSentCallback)         {}

func (t *Transport) WillBePending(uint32) bool { return false }
func (t *Transport) MaxMessageSize() uint32    { return t.maxMessageSize }
func (t *Transport) Status() transport.Status  { return transport.Status(t.status.Load()) }

func (t *Transport) fail(err error) {
	if t.status.CompareAndSwap(int32(transport.StatusGood), int32(transport.StatusFailed)) {
		t.log.Error("tcp transport failed", "error", err)
	}
}

// SendBroadcast writes data, length-prefixed, to every peer session.
func (t *Transport) SendBroadcast(data []byte) error {
	if t.Status() != transport.StatusGood {
		return errors.New("tcp: transport not good")
	}
	t.mu.RLock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()
	for _, s := range sessions {
		if conn := s.get(); conn != nil {
			if err := writeFrame(conn, data); err != nil {
				t.log.Warn("tcp: discovery broadcast to peer failed", "error", err)
			}
		}
	}
	return nil
}

// SendUserData writes one submessage to a single peer's session. A write
// failure on a reliable transport closes that peer's session (it will be
// redialed) rather than quarantining the whole transport, unless the
// failure originates from the listener/socket layer itself.
func (t *Transport) SendUserData(header, payload []byte, device uint32) (bool, error) {
	t.mu.RLock()
	s, ok := t.sessions[device]
	t.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("tcp: unknown device %d", device)
	}
	conn := s.get()
	if conn == nil {
		return false, fmt.Errorf("tcp: peer %d not connected", device)
	}
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	if err := writeFrame(conn, buf); err != nil {
		s.set(nil)
		return false, err
	}
	return false, nil
}

func writeFrame(conn net.Conn, data []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

func readFrame(conn net.Conn, maxSize uint32) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > maxSize {
		return nil, fmt.Errorf("tcp: frame size %d exceeds max %d", size, maxSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.fail(err)
			return
		}
		go t.serveInbound(conn)
	}
}

// serveInbound reads frames from an accepted connection. The first frame
// determines which device this session maps to is not discoverable without
// a handshake; the original protocol identifies peers by the discovery
// payload's gateway_hash carried in the frame itself, so the device index
// used for callbacks is a per-connection counter assigned here and only
// later reconciled to a gateway_hash by the Discovery Manager.
func (t *Transport) serveInbound(conn net.Conn) {
	device := t.registerInbound(conn)
	defer func() {
		t.mu.Lock()
		delete(t.sessions, device)
		t.mu.Unlock()
		conn.Close()
	}()
	for {
		select {
		case <-t.done:
			return
		default:
		}
		data, err := readFrame(conn, t.maxMessageSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Warn("tcp: inbound read failed", "error", err)
			}
			return
		}
		di := wire.DeviceIndex{Kind: wire.Stream, Device: device}
		t.dispatch(data, di)
	}
}

// dispatch routes an inbound frame to the discovery or user-data callback
// based on its length: discovery records always carry the fixed wire.HeaderSize
// datagram header variant's complement — in practice the Discovery Manager
// and the R->L adapter each register distinguishable framing, so here we
// hand every inbound frame to both registered callbacks' dispatch path via
// the same logic the UDP driver uses: callers tell frames apart by content,
// not by socket. To keep that contract identical across transports, this
// delivers to onUserData when a datagram header parses off the front, and
// to onDiscovery otherwise.
func (t *Transport) dispatch(data []byte, di wire.DeviceIndex) {
	if len(data) >= wire.HeaderSize {
		if _, err := wire.UnmarshalHeader(data[:wire.HeaderSize]); err == nil {
			if t.onUserData != nil {
				t.onUserData(data, di)
				return
			}
		}
	}
	if t.onDiscovery != nil {
		t.onDiscovery(data, di)
	}
}

func (t *Transport) registerInbound(conn net.Conn) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	device := uint32(len(t.sessions))
	t.sessions[device] = &session{conn: conn}
	return device
}

func (t *Transport) dialLoop(device uint32, addr string) {
	defer t.wg.Done()
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // redial forever until Close
	for {
		select {
		case <-t.done:
			return
		default:
		}
		conn, err := net.DialTimeout("tcp4", addr, t.dialTimeout)
		if err != nil {
			wait := b.NextBackOff()
			t.log.Debug("tcp: dial failed, backing off", "addr", addr, "error", err, "wait", wait)
			select {
			case <-time.After(wait):
			case <-t.done:
				return
			}
			continue
		}
		b.Reset()
		t.mu.RLock()
		s := t.sessions[device]
		t.mu.RUnlock()
		s.set(conn)
		t.readFromOutbound(device, conn)
	}
}

func (t *Transport) readFromOutbound(device uint32, conn net.Conn) {
	for {
		select {
		case <-t.done:
			return
		default:
		}
		data, err := readFrame(conn, t.maxMessageSize)
		if err != nil {
			return
		}
		di := wire.DeviceIndex{Kind: wire.Stream, Device: device}
		t.dispatch(data, di)
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	err := t.listener.Close()
	t.mu.RLock()
	for _, s := range t.sessions {
		if c := s.get(); c != nil {
			c.Close()
		}
	}
	t.mu.RUnlock()
	t.wg.Wait()
	return err
}
