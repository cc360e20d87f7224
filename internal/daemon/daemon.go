// Package daemon wires the ntpctl components together and runs them.
package daemon

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/subosito/gotenv"
	"github.com/tevino/abool"
	"go.uber.org/multierr"

	"firestige.xyz/ntpctl/internal/command"
	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/eventbus"
	"firestige.xyz/ntpctl/internal/events"
	"firestige.xyz/ntpctl/internal/keys"
	logpkg "firestige.xyz/ntpctl/internal/log"
	"firestige.xyz/ntpctl/internal/metrics"
	"firestige.xyz/ntpctl/internal/monitor"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/remoteconf"
	"firestige.xyz/ntpctl/internal/restrict"
	"firestige.xyz/ntpctl/internal/server"
	"firestige.xyz/ntpctl/internal/system"
)

// EnvFile is read from the configuration directory before the configuration
// itself, so NTPCTL_* overrides can live next to the YAML file.
const EnvFile = "ntpctl.env"

// Daemon manages the ntpctl daemon process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	sys      *system.Tracker
	keys     *keys.Store
	restrict *restrict.List
	mru      *monitor.List
	peers    *peer.Table
	poller   *peer.Poller
	server   *server.Server
	engine   *control.Engine
	applier  *remoteconf.Applier
	bus      eventbus.EventBus
	recorder *events.Recorder

	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if the command channel is disabled
	metricsServer *metrics.Server               // nil if metrics are disabled
	watcher       *fsnotify.Watcher

	reloadMu     sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	reloadChan   chan struct{}
	sigChan      chan os.Signal
	stopped      *abool.AtomicBool
	logger       logpkg.Logger
}

// New loads the configuration. Empty socketPath and pidFile fall back to the
// configured values.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	if err := loadEnvFile(configPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
		reloadChan:   make(chan struct{}, 1),
		stopped:      abool.New(),
		logger:       logpkg.GetLogger().WithField("module", "daemon"),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func loadEnvFile(configPath string) error {
	path := filepath.Join(filepath.Dir(configPath), EnvFile)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	d.logger.WithFields(map[string]interface{}{
		"version": system.Version,
		"config":  d.configPath,
		"socket":  d.socketPath,
	}).Info("starting ntpctl daemon")

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := d.startCore(); err != nil {
		return err
	}

	d.cmdHandler = command.NewCommandHandler(command.Deps{
		Engine:   d.engine,
		System:   d.sys,
		Peers:    d.peers,
		MRU:      d.mru,
		Keys:     d.keys,
		Bus:      d.bus,
		Applier:  d.applier,
		Reloader: d,
	})
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(); err != nil {
		return fmt.Errorf("failed to start control socket: %w", err)
	}
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			d.logger.WithError(err).Error("uds server failed")
		}
	}()

	if d.config.Control.Kafka.Enabled {
		if err := d.startKafkaConsumer(); err != nil {
			// UDS control still works
			d.logger.WithError(err).Error("failed to start kafka command consumer")
		}
	}

	if err := d.watchConfig(); err != nil {
		d.logger.WithError(err).Warn("config file watch disabled")
	}

	d.logger.Info("daemon started successfully")
	return nil
}

// startCore builds the protocol components and binds the NTP sockets.
func (d *Daemon) startCore() error {
	cfg := d.config

	d.sys = system.NewTracker(nil)
	d.applySystemConfig(cfg)

	d.keys = keys.NewStore()
	if err := d.keys.Load(cfg.Keys); err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}
	d.restrict = restrict.New()
	if err := d.restrict.Load(cfg.Restrict); err != nil {
		return fmt.Errorf("failed to load restrictions: %w", err)
	}
	d.mru = monitor.New(cfg.Monitor)
	d.peers = peer.NewTable()
	if err := d.peers.Load(d.ctx, nil, cfg.Peers); err != nil {
		return fmt.Errorf("failed to load associations: %w", err)
	}

	if err := d.startEvents(); err != nil {
		return err
	}

	d.server = server.New(d.sys, d.restrict, d.mru)
	if err := d.server.Listen(cfg.Server.Listen); err != nil {
		return fmt.Errorf("failed to bind listen addresses: %w", err)
	}

	deps := control.Deps{
		Sender:       d.server,
		KeyStore:     d.keys,
		PeerTable:    d.peers,
		SystemSource: d.sys,
		MRUList:      d.mru,
		Restrictions: d.restrict,
		Endpoints:    d.server,
		Clock:        d.sys,
	}
	if d.recorder != nil {
		deps.StatsRecorder = d.recorder
	}
	d.engine = control.NewEngine(control.EngineConfig{
		Authenticate:  cfg.Server.Authenticate,
		ControlKey:    cfg.Server.ControlKey,
		SaveConfigDir: cfg.Server.SaveConfigDir,
		TTL:           cfg.Server.TTL,
	}, deps)
	d.applier = remoteconf.New(d.engine, d.peers, d.restrict, d.keys, nil)
	d.engine.SetConfigurator(d.applier)

	applySetVars(d.engine, cfg.SetVar)
	if err := applyTraps(d.engine, cfg.Traps); err != nil {
		d.logger.WithError(err).Warn("some configured traps were not installed")
	}

	d.server.Serve(d.engine)
	d.engine.ReportEvent(core.EventRestart, 0, "")

	interval, _ := time.ParseDuration(cfg.Poll.Interval)
	if interval <= 0 {
		interval = 64 * time.Second
	}
	timeout, _ := time.ParseDuration(cfg.Poll.Timeout)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d.poller = peer.NewPoller(d.peers, d.sys, d.engine, interval, timeout, nil)
	d.poller.Start()
	return nil
}

// startEvents builds the protostats bus and its sinks. Without a sink no
// recorder is installed.
func (d *Daemon) startEvents() error {
	ec := d.config.Events
	d.bus = eventbus.NewInMemoryEventBus(ec.Partitions, ec.QueueSize)

	var sinks []events.Sink
	if ec.File.Enabled {
		s, err := events.NewFileSink(ec.File)
		if err != nil {
			return fmt.Errorf("failed to open protostats file: %w", err)
		}
		sinks = append(sinks, s)
	}
	if ec.Kafka.Enabled {
		s, err := events.NewKafkaSink(ec.Kafka)
		if err != nil {
			return fmt.Errorf("failed to create protostats kafka sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil
	}
	r, err := events.NewRecorder(d.bus, nil, sinks...)
	if err != nil {
		return err
	}
	d.recorder = r
	return nil
}

func (d *Daemon) applySystemConfig(cfg *config.GlobalConfig) {
	d.sys.Update(func(s *system.State) {
		if cfg.Server.LeapSmearInterval > 0 {
			s.LeapSmearInterval = uint32(cfg.Server.LeapSmearInterval)
		} else {
			s.LeapSmearInterval = 0
		}
		s.WanderThreshold = cfg.Server.WanderThreshold * 1e-6
	})
}

// applySetVars installs the configured user variables.
func applySetVars(e *control.Engine, vars []config.SetVarConfig) {
	for _, sv := range vars {
		flags := control.CanRead
		if sv.Default {
			flags |= control.Def
		}
		e.SetSysVar(sv.Name+"="+sv.Value, flags)
	}
}

// applyTraps installs the configured trap receivers.
func applyTraps(e *control.Engine, traps []config.TrapConfig) error {
	var errs error
	for _, t := range traps {
		addr, err := netip.ParseAddr(t.Address)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("trap %s: %w", t.Address, err))
			continue
		}
		port := t.Port
		if port == 0 {
			port = control.TrapPort
		}
		var local netip.AddrPort
		if t.Interface != "" {
			ifc, err := netip.ParseAddr(t.Interface)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("trap %s: interface %w", t.Address, err))
				continue
			}
			local = netip.AddrPortFrom(ifc, peer.NTPPort)
		}
		if !e.SetTrap(netip.AddrPortFrom(addr.Unmap(), uint16(port)), local, control.TrapTypeConfig, control.Version) {
			errs = multierr.Append(errs, fmt.Errorf("can't set trap for %s, no resources", t.Address))
		}
	}
	return errs
}

// Stop performs graceful shutdown of all daemon components. Later calls do nothing.
func (d *Daemon) Stop() {
	if !d.stopped.SetToIf(false, true) {
		return
	}
	d.logger.Info("initiating graceful shutdown")

	if d.kafkaConsumer != nil {
		if err := d.kafkaConsumer.Stop(); err != nil {
			d.logger.WithError(err).Error("error stopping kafka consumer")
		}
	}
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.poller != nil {
		d.poller.Stop()
	}
	if d.server != nil {
		d.server.Stop()
	}
	if d.recorder != nil {
		if err := d.recorder.Close(); err != nil {
			d.logger.WithError(err).Error("error closing protostats sinks")
		}
	} else if d.bus != nil {
		d.bus.Close()
	}
	if d.udsServer != nil {
		d.udsServer.Stop()
	}
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			d.logger.WithError(err).Error("error stopping metrics server")
		}
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		d.logger.WithError(err).Error("error removing PID file")
	}
	d.logger.Info("daemon stopped gracefully")
}

// Run blocks until SIGTERM, SIGINT, daemon_shutdown or cancellation. SIGHUP
// and configuration file changes trigger a reload.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	d.logger.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				d.logger.WithField("signal", sig).Info("received shutdown signal")
				d.Stop()
				return nil
			case syscall.SIGHUP:
				d.logger.Info("received reload signal")
				d.reloadAndLog()
			}

		case <-d.reloadChan:
			d.logger.Info("configuration file changed")
			d.reloadAndLog()

		case <-d.shutdownChan:
			d.logger.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.Stop()
			return d.ctx.Err()
		}
	}
}

func (d *Daemon) reloadAndLog() {
	if err := d.Reload(); err != nil {
		d.logger.WithError(err).Error("failed to reload config")
	}
}

// Reload re-reads the configuration file. Log settings, keys, restrictions,
// the MRU limits, associations, user variables, authentication and
// configured traps are applied in place; listen addresses, sockets and
// sinks require a restart and are reported.
func (d *Daemon) Reload() error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if err := loadEnvFile(d.configPath); err != nil {
		return err
	}
	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	old := d.config

	var hot, restart []string
	var errs error

	if err := logpkg.Init(newConfig.Log); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log: %w", err))
	} else if !reflect.DeepEqual(newConfig.Log, old.Log) {
		hot = append(hot, "log")
	}
	d.logger = logpkg.GetLogger().WithField("module", "daemon")

	if d.engine != nil {
		if err := d.keys.Load(newConfig.Keys); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("keys: %w", err))
		} else if !reflect.DeepEqual(newConfig.Keys, old.Keys) {
			hot = append(hot, "keys")
		}
		if err := d.restrict.Load(newConfig.Restrict); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("restrict: %w", err))
		} else if !reflect.DeepEqual(newConfig.Restrict, old.Restrict) {
			hot = append(hot, "restrict")
		}
		if newConfig.Monitor != old.Monitor {
			d.mru.Configure(newConfig.Monitor)
			hot = append(hot, "monitor")
		}
		if !reflect.DeepEqual(newConfig.Peers, old.Peers) {
			if err := d.peers.Load(d.ctx, nil, newConfig.Peers); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("peers: %w", err))
			} else {
				hot = append(hot, "peers")
			}
		}
		if !reflect.DeepEqual(newConfig.SetVar, old.SetVar) {
			applySetVars(d.engine, newConfig.SetVar)
			hot = append(hot, "setvar")
		}
		if !reflect.DeepEqual(newConfig.Traps, old.Traps) {
			for _, t := range d.engine.Traps() {
				if t.Configured {
					d.engine.ClearTrap(t.Addr, t.Local, control.TrapTypeConfig)
				}
			}
			if err := applyTraps(d.engine, newConfig.Traps); err != nil {
				errs = multierr.Append(errs, err)
			}
			hot = append(hot, "traps")
		}
		if newConfig.Server.Authenticate != old.Server.Authenticate || newConfig.Server.ControlKey != old.Server.ControlKey {
			d.engine.Configure(newConfig.Server.Authenticate, newConfig.Server.ControlKey)
			hot = append(hot, "server.authenticate")
		}
		if newConfig.Server.LeapSmearInterval != old.Server.LeapSmearInterval || newConfig.Server.WanderThreshold != old.Server.WanderThreshold {
			d.applySystemConfig(newConfig)
			hot = append(hot, "server.clock")
		}
	}

	if !reflect.DeepEqual(newConfig.Server.Listen, old.Server.Listen) {
		restart = append(restart, "server.listen")
	}
	if newConfig.Server.SaveConfigDir != old.Server.SaveConfigDir || !reflect.DeepEqual(newConfig.Server.TTL, old.Server.TTL) {
		restart = append(restart, "server")
	}
	if newConfig.Metrics != old.Metrics {
		restart = append(restart, "metrics")
	}
	if newConfig.Control.Socket != old.Control.Socket || !reflect.DeepEqual(newConfig.Control.Kafka, old.Control.Kafka) {
		restart = append(restart, "control")
	}
	if !reflect.DeepEqual(newConfig.Events, old.Events) {
		restart = append(restart, "events")
	}

	d.config = newConfig
	d.logger.WithFields(map[string]interface{}{
		"hot_reloaded":     hot,
		"requires_restart": restart,
	}).Info("configuration reloaded")
	return errs
}

// TriggerShutdown makes Run stop the daemon. It is safe to call more than once.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Engine returns the control engine; nil before Start.
func (d *Daemon) Engine() *control.Engine {
	return d.engine
}

// Endpoints returns the bound NTP sockets.
func (d *Daemon) Endpoints() []core.Endpoint {
	if d.server == nil {
		return nil
	}
	return d.server.Endpoints()
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	d.logger = logpkg.GetLogger().WithField("module", "daemon")
	d.logger.WithField("level", d.config.Log.Level).WithField("format", d.config.Log.Format).Debug("logging initialized")
	return nil
}

// watchConfig reloads when the configuration file is written or replaced.
// The directory is watched because editors replace files by rename.
func (d *Daemon) watchConfig() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(d.configPath)); err != nil {
		w.Close()
		return err
	}
	d.watcher = w

	target := filepath.Clean(d.configPath)
	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					select {
					case d.reloadChan <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.logger.WithError(err).Warn("config watch error")
			}
		}
	}()
	return nil
}

func (d *Daemon) startKafkaConsumer() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	consumer, err := command.NewKafkaCommandConsumer(d.config.Control.Kafka, hostname, d.cmdHandler)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer

	go func() {
		if err := consumer.Start(d.ctx); err != nil && err != context.Canceled {
			d.logger.WithError(err).Error("kafka consumer stopped with error")
		}
	}()
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		d.logger.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	d.metricsServer.SetHealthCheck(func() bool { return !d.stopped.IsSet() })
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	d.logger.WithField("addr", d.metricsServer.Addr()).WithField("path", d.config.Metrics.Path).Info("metrics server started")
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	d.logger.WithField("path", d.pidFile).WithField("pid", pid).Debug("PID file written")
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
