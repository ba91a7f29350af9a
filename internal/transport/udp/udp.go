// Package udp implements the lossy Datagram transport over a UDP socket,
// following the socket-setup conventions of mcastrelay's multicast listener
// and tools/twamp's kernel-tuned UDP dialer/reader.
package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

// DefaultSocketBufferSize mirrors mcastrelay's multicast listener default:
// 8MB is enough headroom for bursty discovery/user-data traffic without
// kernel-level drops.
const DefaultSocketBufferSize = 8 * 1024 * 1024

// DefaultMaxMessageSize bounds one UDP datagram's payload, comfortably under
// the common path MTU to avoid IP fragmentation.
const DefaultMaxMessageSize = 1400

// Config configures the Datagram transport.
type Config struct {
	Logger            *slog.Logger
	ListenAddr        string // unicast user-data socket, e.g. "0.0.0.0:7761"
	DiscoveryGroup    string // multicast group for discovery broadcast, e.g. "239.0.5.5:7762"
	InterfaceName     string
	SocketBufferSize  int
	MaxMessageSize    uint32
	ReadTimeout       time.Duration
}

// Transport is the Datagram driver (spec.md §4.3).
type Transport struct {
	log            *slog.Logger
	maxMessageSize uint32
	readTimeout    time.Duration

	userConn net.PacketConn
	discConn *net.UDPConn
	discPC   *ipv4.PacketConn
	discAddr *net.UDPAddr

	status atomic.Int32

	mu          sync.RWMutex
	addrToDev   map[string]uint32
	devToAddr   map[uint32]net.Addr
	nextDevice  uint32

	onDiscovery transport.DiscoveryCallback
	onUserData  transport.UserDataCallback

	closeOnce sync.Once
	done      chan struct{}
}

// New binds the unicast user-data socket and the discovery multicast group,
// and starts the two read loops. A setup failure is returned as an error and
// no Transport is constructed; it is not reported through the Failed status.
func New(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.SocketBufferSize == 0 {
		cfg.SocketBufferSize = DefaultSocketBufferSize
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 250 * time.Millisecond
	}

	userConn, err := net.ListenPacket("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen user-data: %w", err)
	}
	if uc, ok := userConn.(*net.UDPConn); ok {
		tuneSocketBuffers(cfg.Logger, uc, cfg.SocketBufferSize)
	}

	discAddr, err := net.ResolveUDPAddr("udp4", cfg.DiscoveryGroup)
	if err != nil {
		userConn.Close()
		return nil, fmt.Errorf("udp: resolve discovery group: %w", err)
	}
	discConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: discAddr.Port})
	if err != nil {
		userConn.Close()
		return nil, fmt.Errorf("udp: listen discovery: %w", err)
	}
	discPC := ipv4.NewPacketConn(discConn)
	var ifi *net.Interface
	if cfg.InterfaceName != "" {
		ifi, err = net.InterfaceByName(cfg.InterfaceName)
		if err != nil {
			userConn.Close()
			discConn.Close()
			return nil, fmt.Errorf("udp: interface %s: %w", cfg.InterfaceName, err)
		}
	}
	if err := discPC.JoinGroup(ifi, discAddr); err != nil {
		userConn.Close()
		discConn.Close()
		return nil, fmt.Errorf("udp: join discovery group: %w", err)
	}
	tuneSocketBuffers(cfg.Logger, discConn, cfg.SocketBufferSize)

	t := &Transport{
		log:            cfg.Logger,
		maxMessageSize: cfg.MaxMessageSize,
		readTimeout:    cfg.ReadTimeout,
		userConn:       userConn,
		discConn:       discConn,
		discPC:         discPC,
		discAddr:       discAddr,
		addrToDev:      make(map[string]uint32),
		devToAddr:      make(map[uint32]net.Addr),
		done:           make(chan struct{}),
	}
	go t.readLoop(userConn, false)
	go t.readLoop(discConn, true)
	return t, nil
}

func tuneSocketBuffers(log *slog.Logger, conn *net.UDPConn, size int) {
	if err := conn.SetReadBuffer(size); err != nil {
		log.Warn("udp: failed to set socket receive buffer", "requested", size, "error", err)
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	})
}

func (t *Transport) Kind() wire.Kind { return wire.Datagram }

func (t *Transport) RegisterDiscoveryCallback(cb transport.DiscoveryCallback) { t.onDiscovery = cb }
func (t *Transport) RegisterUserDataCallback(cb transport.UserDataCallback)   { t.onUserData = cb }

// Datagram is lossy and synchronous: the three DMA registration slots are
// no-ops, matching spec.md §4.3's "default no-op" guidance for capabilities
// a transport does not implement.
func (t *Transport) RegisterBufferNeeded(transport.BufferNeededCallback)     {}
func (t *Transport) RegisterBufferReleased(transport.BufferReleasedCallback) {}
func (t *Transport) RegisterBufferSent(transport.BufferSentCallback)         {}

func (t *Transport) WillBePending(uint32) bool    { return false }
func (t *Transport) MaxMessageSize() uint32       { return t.maxMessageSize }
func (t *Transport) Status() transport.Status     { return transport.Status(t.status.Load()) }

func (t *Transport) fail(err error) {
	if t.status.CompareAndSwap(int32(transport.StatusGood), int32(transport.StatusFailed)) {
		t.log.Error("udp transport failed", "error", err)
	}
}

// SendBroadcast delivers data to every peer reachable on this transport by
// sending it to the discovery multicast group (spec.md §4.3).
func (t *Transport) SendBroadcast(data []byte) error {
	if t.Status() != transport.StatusGood {
		return errors.New("udp: transport not good")
	}
	if _, err := t.discConn.WriteToUDP(data, t.discAddr); err != nil {
		// Send-and-forget: discovery failures do not fail the transport,
		// they are compensated for by periodic rebroadcast (spec.md §4.4).
		t.log.Warn("udp: discovery broadcast failed", "error", err)
	}
	return nil
}

// SendUserData delivers one submessage to a single peer, never pending
// (UDP sends complete synchronously from the caller's point of view).
func (t *Transport) SendUserData(header, payload []byte, device uint32) (bool, error) {
	t.mu.RLock()
	addr, ok := t.devToAddr[device]
	t.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("udp: unknown device %d", device)
	}
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	if _, err := t.userConn.WriteTo(buf, addr); err != nil {
		// Lossy transport: the send failing silently is acceptable per
		// spec.md §4.3/§7; only an unrecoverable socket error fails the
		// transport itself.
		if isUnrecoverable(err) {
			t.fail(err)
		}
		return false, nil
	}
	return false, nil
}

func isUnrecoverable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return errors.Is(err, net.ErrClosed)
}

// registerPeer assigns (or returns the existing) local device number for a
// peer address. Device numbers are never reused within a process lifetime.
func (t *Transport) registerPeer(addr net.Addr) uint32 {
	key := addr.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.addrToDev[key]; ok {
		return d
	}
	d := t.nextDevice
	t.nextDevice++
	t.addrToDev[key] = d
	t.devToAddr[d] = addr
	return d
}

func (t *Transport) readLoop(conn net.PacketConn, discovery bool) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-t.done:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("udp: read error", "error", err, "discovery", discovery)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		dev := t.registerPeer(addr)
		di := wire.DeviceIndex{Kind: wire.Datagram, Device: dev}
		if discovery {
			if t.onDiscovery != nil {
				t.onDiscovery(data, di)
			}
		} else if t.onUserData != nil {
			t.onUserData(data, di)
		}
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	err1 := t.userConn.Close()
	err2 := t.discConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
