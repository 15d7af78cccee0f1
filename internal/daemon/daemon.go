// Package daemon wires the configured stunwire services around one
// transaction engine: the listening sockets, the Binding responder, the
// ICMP unreachable watcher, and the health and control servers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/postalsys/stunwire/internal/chaos"
	"github.com/postalsys/stunwire/internal/config"
	"github.com/postalsys/stunwire/internal/control"
	"github.com/postalsys/stunwire/internal/health"
	"github.com/postalsys/stunwire/internal/icmp"
	"github.com/postalsys/stunwire/internal/logging"
	"github.com/postalsys/stunwire/internal/metrics"
	"github.com/postalsys/stunwire/internal/responder"
	"github.com/postalsys/stunwire/internal/stack"
)

// Daemon runs a STUN server from a configuration: a transaction engine
// with one socket per configured listen address, a Binding responder
// attached to them, and the optional ICMP watcher, health server, and
// control socket around it.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	engine    *stack.Stack
	responder *responder.Responder
	watcher   *icmp.Watcher
	health    *health.Server
	control   *control.Server
	injector  *chaos.Injector

	running  atomic.Bool
	stopOnce sync.Once
}

// Stats is a point-in-time snapshot of the daemon's components.
type Stats struct {
	Running            bool  `json:"running"`
	Sockets            int   `json:"sockets"`
	ClientTransactions int   `json:"client_transactions"`
	ServerTransactions int   `json:"server_transactions"`
	Answered           int64 `json:"answered"`
	Rejected           int64 `json:"rejected"`
	RateLimited        int64 `json:"rate_limited"`
	ICMPWatcher        bool  `json:"icmp_watcher"`
}

// EngineConfig maps the file configuration onto the engine's Config. The
// client commands use it too, so one config file drives both roles.
func EngineConfig(cfg *config.Config, logger *slog.Logger) stack.Config {
	return stack.Config{
		InitialRTO:       cfg.Engine.InitialRTO,
		MaxRTO:           cfg.Engine.MaxRTO,
		MaxRequests:      cfg.Engine.MaxRequests,
		FinalWaitFactor:  cfg.Engine.FinalWaitFactor,
		RetentionTime:    cfg.Engine.RetentionTime,
		RetentionSize:    cfg.Engine.RetentionSize,
		RequireIntegrity: cfg.Server.RequireIntegrity,
		Software:         cfg.Server.Software,
		Logger:           logger,
		Metrics:          metrics.Default(),
	}
}

// New creates a stopped daemon from cfg. The server role must be enabled;
// a daemon with no listening sockets has nothing to run.
func New(cfg *config.Config) (*Daemon, error) {
	if !cfg.Server.Enabled {
		return nil, errors.New("server role is disabled in config; enable server.enabled or use the client commands")
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		engine: stack.New(EngineConfig(cfg, logger)),
	}
	d.initComponents()
	return d, nil
}

// initComponents creates the components the configuration enables.
func (d *Daemon) initComponents() {
	if d.cfg.Chaos.Enabled {
		d.injector = chaos.NewInjector(chaos.Config{
			DropRate:      d.cfg.Chaos.DropRate,
			DuplicateRate: d.cfg.Chaos.DuplicateRate,
			Delay:         d.cfg.Chaos.Delay,
			DelayJitter:   d.cfg.Chaos.DelayJitter,
			Seed:          d.cfg.Chaos.Seed,
		})
	}

	respCfg := responder.Config{
		Software:     d.cfg.Server.Software,
		Fingerprint:  d.cfg.Server.Fingerprint,
		IntegrityKey: d.cfg.Server.IntegrityKey,
		Logger:       d.logger,
	}
	if d.cfg.Server.RateLimit.Enabled {
		respCfg.RateLimit = &responder.RateLimitConfig{
			RequestsPerSecond: d.cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             d.cfg.Server.RateLimit.Burst,
			MaxSources:        d.cfg.Server.RateLimit.MaxSources,
		}
	}
	d.responder = responder.New(d.engine, respCfg)

	if d.cfg.ICMP.Enabled {
		d.watcher = icmp.NewWatcher(d.engine, d.logger)
	}

	if d.cfg.Health.Enabled {
		d.health = health.NewServer(health.ServerConfig{
			Address:      d.cfg.Health.Address,
			ReadTimeout:  d.cfg.Health.ReadTimeout,
			WriteTimeout: d.cfg.Health.WriteTimeout,
		}, &statsProvider{d: d})
	}

	if d.cfg.Control.Enabled {
		ctlCfg := control.DefaultServerConfig()
		ctlCfg.SocketPath = d.cfg.Control.SocketPath
		d.control = control.NewServer(ctlCfg, d.engine)
	}
}

// Start brings every configured component up. On error the components
// that already started are torn down; a daemon that failed to start
// cannot be started again.
func (d *Daemon) Start() error {
	if d.running.Load() {
		return fmt.Errorf("daemon already running")
	}

	if err := d.start(); err != nil {
		d.Stop()
		return err
	}
	d.running.Store(true)

	d.logger.Info("daemon started",
		logging.KeyComponent, "daemon",
		logging.KeyCount, len(d.engine.Sockets()))
	return nil
}

func (d *Daemon) start() error {
	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// The responder registers before any socket opens so the first
	// request cannot slip past it.
	d.responder.Attach()

	for _, addr := range d.cfg.Server.Listen {
		local, err := d.addListener(addr)
		if err != nil {
			d.logger.Error("failed to start listener",
				logging.KeyAddress, addr,
				logging.KeyError, err.Error())
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		d.logger.Info("listener started", logging.KeyLocalAddr, local.String())
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			// Without the watcher unreachable destinations burn the full
			// retransmission schedule instead of failing early; the engine
			// still works.
			d.logger.Warn("icmp watcher unavailable, continuing without early unreachable detection",
				logging.KeyError, err.Error())
		}
	}

	if d.health != nil {
		if err := d.health.Start(); err != nil {
			return fmt.Errorf("start health server on %s: %w", d.cfg.Health.Address, err)
		}
		d.logger.Info("health server started",
			logging.KeyAddress, d.health.Address().String())
	}

	if d.control != nil {
		if err := d.control.Start(); err != nil {
			return fmt.Errorf("start control socket %s: %w", d.cfg.Control.SocketPath, err)
		}
		d.logger.Info("control socket started",
			logging.KeyAddress, d.control.SocketPath())
	}

	if d.injector != nil {
		d.logger.Warn("chaos fault injection enabled",
			"drop_rate", d.cfg.Chaos.DropRate,
			"duplicate_rate", d.cfg.Chaos.DuplicateRate,
			"delay", d.cfg.Chaos.Delay.String())
	}

	return nil
}

// addListener binds one UDP listen address and attaches it to the engine,
// behind the fault injector when chaos is enabled.
func (d *Daemon) addListener(addr string) (netip.AddrPort, error) {
	if d.injector == nil {
		return d.engine.AddSocket(addr)
	}

	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	local, err := d.engine.AddPacketConn(chaos.Wrap(pc, d.injector))
	if err != nil {
		pc.Close()
		return netip.AddrPort{}, err
	}
	return local, nil
}

// Stop tears the daemon down in reverse start order. It is safe to call
// more than once and after a failed Start.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.running.Store(false)

		if d.control != nil {
			if cerr := d.control.Stop(); cerr != nil {
				d.logger.Warn("control socket stop failed", logging.KeyError, cerr.Error())
			}
		}
		if d.health != nil {
			if herr := d.health.Stop(); herr != nil {
				d.logger.Warn("health server stop failed", logging.KeyError, herr.Error())
			}
		}
		if d.watcher != nil {
			if werr := d.watcher.Close(); werr != nil {
				d.logger.Debug("icmp watcher close failed", logging.KeyError, werr.Error())
			}
		}

		err = d.engine.Stop()
		d.logger.Info("daemon stopped")
	})
	return err
}

// StopWithContext is Stop bounded by ctx. When ctx expires the teardown
// finishes in the background and the context error is returned.
func (d *Daemon) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- d.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether Start completed and Stop has not begun.
func (d *Daemon) IsRunning() bool {
	return d.running.Load()
}

// Engine exposes the transaction engine, mainly for tests driving
// traffic through a running daemon.
func (d *Daemon) Engine() *stack.Stack {
	return d.engine
}

// ListenAddrs returns the bound listener addresses in a stable order.
func (d *Daemon) ListenAddrs() []netip.AddrPort {
	addrs := d.engine.Sockets()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs
}

// HealthAddr returns the health server's bound address, or nil when the
// health server is disabled or not started.
func (d *Daemon) HealthAddr() net.Addr {
	if d.health == nil {
		return nil
	}
	return d.health.Address()
}

// Stats returns a snapshot across the daemon's components.
func (d *Daemon) Stats() Stats {
	es := d.engine.Stats()
	rs := d.responder.Stats()

	return Stats{
		Running:            d.running.Load(),
		Sockets:            es.Sockets,
		ClientTransactions: es.ClientTransactions,
		ServerTransactions: es.ServerTransactions,
		Answered:           rs.Answered,
		Rejected:           rs.Rejected,
		RateLimited:        rs.RateLimited,
		ICMPWatcher:        d.watcher != nil && d.watcher.Active(),
	}
}

// statsProvider adapts the daemon for the health server.
type statsProvider struct {
	d *Daemon
}

func (p *statsProvider) IsRunning() bool {
	return p.d.engine.IsRunning()
}

func (p *statsProvider) Stats() health.Stats {
	s := p.d.engine.Stats()
	return health.Stats{
		Sockets:            s.Sockets,
		ClientTransactions: s.ClientTransactions,
		ServerTransactions: s.ServerTransactions,
		ICMPWatcher:        p.d.watcher != nil && p.d.watcher.Active(),
	}
}
