// Command p3gatewayd bridges a local IPC fabric's publishers and
// subscribers across the network to peer gateways, gossiping discovery
// over every enabled transport and segmenting/reassembling messages that
// don't fit in one transport datagram.
package main

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/malbeclabs/p3gateway/internal/config"
	"github.com/malbeclabs/p3gateway/internal/discovery"
	"github.com/malbeclabs/p3gateway/internal/gateway"
	"github.com/malbeclabs/p3gateway/internal/ipc/memipc"
	"github.com/malbeclabs/p3gateway/internal/metrics"
	"github.com/malbeclabs/p3gateway/internal/transport"
	"github.com/malbeclabs/p3gateway/internal/transport/interconnect"
	"github.com/malbeclabs/p3gateway/internal/transport/tcp"
	"github.com/malbeclabs/p3gateway/internal/transport/udp"
	"github.com/malbeclabs/p3gateway/internal/wire"
)

func main() {
	cfg := config.Default()
	fs := pflag.NewFlagSet("p3gatewayd", pflag.ExitOnError)
	cfg.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(level))
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	mtr := metrics.New(reg)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, log)
	}

	// discRef is set once the Discovery Manager is constructed, below; the
	// failure callback is installed here, before any driver is enabled or
	// reaped (see Registry.SetFailureCallback's doc comment).
	var discRef *discovery.Manager
	registry := transport.New(log)
	registry.SetFailureCallback(func(k wire.Kind) {
		mtr.TransportStatus.WithLabelValues(k.String()).Set(float64(transport.StatusDisabled))
		if discRef != nil {
			discRef.InvalidateCache()
		}
	})

	if err := wireTransports(cfg, registry, log); err != nil {
		return err
	}

	fabric := memipc.New()

	gatewayHash := wire.GatewayHash(rand.Uint32())
	log.Info("starting p3gatewayd", "gatewayHash", gatewayHash, "preferredTransport", cfg.PreferredTransport)

	pending := gateway.NewPending()
	segmenter := gateway.NewSegmenter(cfg.SegmenterWorkers, pending, log)

	registry.ForEachEnabled(func(d transport.Driver) {
		d.RegisterBufferSent(func(payloadToken uintptr) {
			pending.Release(gateway.Token(payloadToken))
		})
	})

	// Already validated by cfg.Validate() in main, so the parse cannot fail.
	forwardedServices, _ := cfg.ForwardedServiceSet()

	ltor := gateway.NewLocalToRemote(fabric, nil, registry, segmenter, cfg.PreferredKind(), log)
	rtol := gateway.NewRemoteToLocal(fabric, nil, registry, log)
	fwd := gateway.NewForwarder(fabric, nil, registry, segmenter, forwardedServices, log)
	rtol.SetForwarder(fwd)

	disc := discovery.New(discovery.Config{
		Log:                log,
		Clock:              clockwork.NewRealClock(),
		Registry:           registry,
		Fabric:             fabric,
		GatewayHash:        gatewayHash,
		PreferredTransport: cfg.PreferredKind(),
		TickInterval:       cfg.DiscoveryTick,
		LossyRebroadcastInterval: cfg.LossyRebroadcast,
		OnNeededTopics: func(needed discovery.NeededTopics) {
			ltor.UpdateChannels(needed)
			rtol.UpdateChannels(needed)
		},
	})
	discRef = disc
	setManagerRefs(ltor, rtol, fwd, disc)

	rtol.RegisterCallbacks()
	disc.Start(ctx)
	ltor.Start(ctx)
	fwd.Start(ctx)

	timeoutTicker := time.NewTicker(100 * time.Millisecond)
	defer timeoutTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-timeoutTicker.C:
				rtol.CheckTimeouts()
				mtr.PendingSends.Set(float64(pending.Count()))
				mtr.RemotePeers.Set(float64(len(disc.Snapshot())))
			}
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Teardown order is fixed (spec.md §5): Discovery deinit first (it emits
	// a termination broadcast while transports are still up), then L→R join,
	// then Forwarder join, then the Registry closes every transport. R→L has
	// no reactor thread of its own to join, but must stop accepting before
	// the Segmenter drains whatever sends are still in flight.
	disc.Stop()
	ltor.Stop()
	fwd.Stop()
	rtol.Stop()
	segmenter.Release()
	registry.Terminate()

	return nil
}

// setManagerRefs wires the Discovery Manager into the adapters that were
// constructed before it, since the adapters and the manager each need a
// reference to the other and Go has no forward declarations.
func setManagerRefs(ltor *gateway.LocalToRemote, rtol *gateway.RemoteToLocal, fwd *gateway.Forwarder, disc *discovery.Manager) {
	ltor.SetDiscovery(disc)
	rtol.SetDiscovery(disc)
	fwd.SetDiscovery(disc)
}

func wireTransports(cfg config.Config, registry *transport.Registry, log *slog.Logger) error {
	if cfg.StreamListenAddr != "" {
		t, err := tcp.New(tcp.Config{
			Logger:     log.With("transport", "stream"),
			ListenAddr: cfg.StreamListenAddr,
			PeerAddrs:  cfg.StreamPeerAddrs,
		})
		if err != nil {
			return err
		}
		registry.Enable(t)
	}
	if cfg.DatagramListenAddr != "" {
		t, err := udp.New(udp.Config{
			Logger:         log.With("transport", "datagram"),
			ListenAddr:     cfg.DatagramListenAddr,
			DiscoveryGroup: cfg.DatagramMulticastGroup,
			InterfaceName:  cfg.DatagramMulticastInterface,
		})
		if err != nil {
			return err
		}
		registry.Enable(t)
	}
	if cfg.EnableInterconnect {
		t := interconnect.New(interconnect.Config{
			Logger: log.With("transport", "interconnect"),
		})
		registry.Enable(t)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", "error", err)
	}
}
