// Package config defines p3gatewayd's runtime configuration and its
// command-line flag surface (SPEC_FULL.md §1.3).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/malbeclabs/p3gateway/internal/wire"
)

// Config is p3gatewayd's full runtime configuration.
type Config struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string
	// MetricsAddr is the address the Prometheus /metrics endpoint binds to.
	// Empty disables it.
	MetricsAddr string

	// PreferredTransport is tried first by Registry.FindMatching whenever a
	// peer is reachable over more than one transport kind.
	PreferredTransport string

	// StreamListenAddr is the local TCP accept address for the Stream
	// transport. Empty disables Stream.
	StreamListenAddr string
	// StreamPeerAddrs are outbound peer addresses to dial on Stream.
	StreamPeerAddrs []string

	// DatagramListenAddr is the local UDP bind address for the Datagram
	// transport's unicast user-data socket. Empty disables Datagram.
	DatagramListenAddr string
	// DatagramMulticastGroup is the multicast group joined for discovery
	// gossip on Datagram.
	DatagramMulticastGroup string
	// DatagramMulticastInterface names the network interface to join the
	// multicast group on; empty picks the system default.
	DatagramMulticastInterface string

	// EnableInterconnect stands up the in-process Interconnect loopback
	// transport, primarily for local testing and demos (spec.md §1
	// explicitly treats real DMA hardware as out of scope).
	EnableInterconnect bool

	// DiscoveryTick is the Discovery Manager's local-inventory poll period.
	DiscoveryTick time.Duration
	// LossyRebroadcast is how often the current discovery record is
	// resent to compensate for datagram loss.
	LossyRebroadcast time.Duration

	// SegmenterWorkers bounds how many submessage sends the Segmenter runs
	// concurrently.
	SegmenterWorkers int

	// ForwardedServices names the services (in "service/instance/event"
	// form) the Forwarder subscribes to on its own, independent of any
	// local subscriber, so that a reassembled message arriving on one
	// transport is relayed onward to peers reachable only over another
	// (spec.md §6 "forwarded_services: Set<ServiceId>"). Empty disables
	// inter-transport forwarding entirely.
	ForwardedServices []string
}

// MaxForwardedServices bounds the size of ForwardedServices (spec.md §6
// "Set<ServiceId> (≤ MAX_FORWARDED_SERVICES)").
const MaxForwardedServices = 256

// Default returns a Config populated with the gateway's default values.
func Default() Config {
	return Config{
		LogLevel:           "info",
		MetricsAddr:        ":9464",
		PreferredTransport: "interconnect",
		DiscoveryTick:      50 * time.Millisecond,
		LossyRebroadcast:   500 * time.Millisecond,
		SegmenterWorkers:   4,
	}
}

// BindFlags registers every configuration field onto fs, following the
// default value already present in cfg.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address to serve Prometheus metrics on; empty disables it")
	fs.StringVar(&c.PreferredTransport, "preferred-transport", c.PreferredTransport, "transport kind to prefer when a peer is reachable over more than one: stream, datagram, interconnect")

	fs.StringVar(&c.StreamListenAddr, "stream-listen", c.StreamListenAddr, "local TCP listen address for the Stream transport; empty disables it")
	fs.StringSliceVar(&c.StreamPeerAddrs, "stream-peer", c.StreamPeerAddrs, "outbound Stream peer address, may be repeated")

	fs.StringVar(&c.DatagramListenAddr, "datagram-listen", c.DatagramListenAddr, "local UDP listen address for the Datagram transport; empty disables it")
	fs.StringVar(&c.DatagramMulticastGroup, "datagram-multicast-group", c.DatagramMulticastGroup, "multicast group address for discovery gossip")
	fs.StringVar(&c.DatagramMulticastInterface, "datagram-multicast-iface", c.DatagramMulticastInterface, "network interface to join the multicast group on")

	fs.BoolVar(&c.EnableInterconnect, "enable-interconnect", c.EnableInterconnect, "enable the in-process Interconnect loopback transport")

	fs.DurationVar(&c.DiscoveryTick, "discovery-tick", c.DiscoveryTick, "Discovery Manager local-inventory poll period")
	fs.DurationVar(&c.LossyRebroadcast, "lossy-rebroadcast", c.LossyRebroadcast, "discovery record rebroadcast period")

	fs.IntVar(&c.SegmenterWorkers, "segmenter-workers", c.SegmenterWorkers, "Segmenter submessage send concurrency")

	fs.StringSliceVar(&c.ForwardedServices, "forwarded-service", c.ForwardedServices, "service/instance/event topic to relay across transports, may be repeated")
}

// Validate checks the configuration for internal consistency, following
// the fail-fast-at-startup convention the rest of the gateway's ambient
// stack uses.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.LogLevel)
	}

	if c.StreamListenAddr == "" && c.DatagramListenAddr == "" && !c.EnableInterconnect {
		return fmt.Errorf("config: at least one transport must be enabled")
	}

	if _, err := parseKind(c.PreferredTransport); err != nil {
		return err
	}

	if c.DatagramListenAddr != "" && c.DatagramMulticastGroup == "" {
		return fmt.Errorf("config: datagram-multicast-group is required when datagram-listen is set")
	}

	if c.DiscoveryTick <= 0 {
		return fmt.Errorf("config: discovery-tick must be positive")
	}
	if c.LossyRebroadcast <= 0 {
		return fmt.Errorf("config: lossy-rebroadcast must be positive")
	}
	if c.SegmenterWorkers <= 0 {
		return fmt.Errorf("config: segmenter-workers must be positive")
	}

	if len(c.ForwardedServices) > MaxForwardedServices {
		return fmt.Errorf("config: forwarded-service exceeds limit of %d", MaxForwardedServices)
	}
	if _, err := c.ForwardedServiceSet(); err != nil {
		return err
	}
	return nil
}

// PreferredKind parses PreferredTransport, already validated by Validate.
func (c *Config) PreferredKind() wire.Kind {
	k, _ := parseKind(c.PreferredTransport)
	return k
}

// ForwardedServiceSet parses ForwardedServices into the set the Forwarder
// subscribes to. Called by Validate, so callers that validate first can
// trust the parse never fails.
func (c *Config) ForwardedServiceSet() (map[wire.ServiceID]struct{}, error) {
	set := make(map[wire.ServiceID]struct{}, len(c.ForwardedServices))
	for _, s := range c.ForwardedServices {
		id, err := wire.ParseServiceID(s)
		if err != nil {
			return nil, err
		}
		set[id] = struct{}{}
	}
	return set, nil
}

func parseKind(s string) (wire.Kind, error) {
	switch strings.ToLower(s) {
	case "stream":
		return wire.Stream, nil
	case "datagram":
		return wire.Datagram, nil
	case "interconnect":
		return wire.Interconnect, nil
	default:
		return wire.None, fmt.Errorf("config: unknown transport kind %q", s)
	}
}
