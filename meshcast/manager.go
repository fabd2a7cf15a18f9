package meshcast

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Manager is an interface representing the manager singleton's methods.
type Manager interface {
	Run() error
}

type manager struct {
	ctx       context.Context
	ctxCancel context.CancelFunc

	configPath string
	config     *Config
	liveReload bool
	logLevel   string

	platform      platform
	registry      *prometheus.Registry
	metrics       *Metrics
	metricsServer *MetricsServer
	policy        *PolicyHolder

	errChan chan error

	// lock guards the config and everything started from it against config reloads.
	lock sync.Mutex

	history      *History
	historySlots int
	engine       *Engine
	engineDone   chan struct{}
	sweepStop    chan struct{}
	sweepDone    chan struct{}
}

var managerInst *manager //nolint:gochecknoglobals

// GetManager returns the singleton implementation of Manager.
func GetManager(opts ...Option) (Manager, error) {
	if managerInst != nil {
		return managerInst, nil
	}

	ctx, ctxCancel := SignalHandledContext(log.Logger)

	m := &manager{
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		configPath: "meshcast.yaml",
		platform:   linuxPlatform{},
		registry:   prometheus.NewRegistry(),
		errChan:    make(chan error, 1),
	}

	for _, opt := range opts {
		err := opt(m)
		if err != nil {
			log.Error().Err(err).Msg("failed applying manager config option")

			ctxCancel()

			return nil, err
		}
	}

	qualifiedConfigPath, err := filepath.Abs(m.configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed determining absolute path to config")

		ctxCancel()

		return nil, err
	}

	m.configPath = qualifiedConfigPath

	m.config, err = LoadConfig(m.configPath)
	if err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("failed loading config file")

		ctxCancel()

		return nil, err
	}

	err = m.init()
	if err != nil {
		ctxCancel()

		return nil, err
	}

	managerInst = m

	return managerInst, nil
}

// init sets up everything derived from the initial config.
func (m *manager) init() error {
	err := m.applyLogging()
	if err != nil {
		return err
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.metrics = NewMetrics(m.registry)

	policy, err := NewStaticPolicy(m.config.Policy)
	if err != nil {
		return err
	}

	m.policy = NewPolicyHolder(policy)

	return nil
}

// Run starts the relay engine and runs until sigint or failure.
func (m *manager) Run() error {
	log.Info().Str("version", Version).Msg("manager run started, setting up relay engine...")

	m.lock.Lock()

	m.startMetricsServer()

	err := m.startEngine()
	if err != nil {
		m.stopMetricsServer()
		m.lock.Unlock()

		log.Error().Err(err).Msg("error starting relay engine")

		return err
	}

	m.lock.Unlock()

	err = m.watchConfig()
	if err != nil {
		log.Error().Err(err).Msg("error setting up config watch")

		m.shutdown()

		return err
	}

	select {
	case <-m.ctx.Done():
		log.Info().Msg("shutdown requested, stopping relay engine...")

		m.shutdown()

		return nil
	case err = <-m.errChan:
		log.Error().Err(err).Msg("relay engine failed, shutting down...")

		m.ctxCancel()
		m.shutdown()

		return err
	}
}

func (m *manager) shutdown() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.stopEngine()
	m.stopMetricsServer()
}

// startEngine enumerates relay interfaces and starts an engine on them, along with the history
// sweep. The caller must hold lock.
func (m *manager) startEngine() error {
	cfg := m.config

	if m.history == nil || m.historySlots != cfg.History.Slots {
		m.history = NewHistory(cfg.History.Slots)
		m.historySlots = cfg.History.Slots
	}

	set, err := Enumerate(m.platform, cfg, cfg.Interfaces.Skip)
	if err != nil {
		return err
	}

	engine, err := NewEngine(set, m.history, m.policy, cfg, m.metrics)
	if err != nil {
		set.Teardown()

		return err
	}

	done := make(chan struct{})

	go func() {
		// the engine's poll loop never yields its thread to other goroutines
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		defer close(done)

		runErr := engine.Run()
		if runErr == nil {
			return
		}

		select {
		case m.errChan <- runErr:
		default:
			log.Error().Err(runErr).Msg("relay engine failed while another failure is pending")
		}
	}()

	m.engine = engine
	m.engineDone = done

	m.startSweeper(cfg.History.SweepInterval)

	return nil
}

// stopEngine stops the engine and waits for its teardown. The caller must hold lock.
func (m *manager) stopEngine() {
	if m.engine == nil {
		return
	}

	m.stopSweeper()

	m.engine.Stop()
	<-m.engineDone

	m.engine = nil
	m.engineDone = nil
}

func (m *manager) startSweeper(interval time.Duration) {
	stop := make(chan struct{})
	done := make(chan struct{})

	history := m.history

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				history.Sweep()
				m.metrics.HistorySweeps.Inc()
			}
		}
	}()

	m.sweepStop = stop
	m.sweepDone = done
}

func (m *manager) stopSweeper() {
	if m.sweepStop == nil {
		return
	}

	close(m.sweepStop)
	<-m.sweepDone

	m.sweepStop = nil
	m.sweepDone = nil
}

func (m *manager) applyLogging() error {
	level := m.config.Logging.Level
	if m.logLevel != "" {
		level = m.logLevel
	}

	err := SetupLogging(level, m.config.Logging.Pretty)
	if err != nil {
		log.Error().Err(err).Msg("failed setting up logging")

		return err
	}

	return nil
}

func (m *manager) swapPolicy() {
	policy, err := NewStaticPolicy(m.config.Policy)
	if err != nil {
		// validated when the config was loaded
		log.Error().Err(err).Msg("failed building flooding policy, keeping current policy")

		return
	}

	m.policy.Swap(policy)

	log.Info().Msg("flooding policy updated")
}

func (m *manager) startMetricsServer() {
	if m.config.Metrics.Address == "" {
		return
	}

	m.metricsServer = NewMetricsServer(m.config.Metrics.Address, m.registry)
	m.metricsServer.StartAsync()
}

func (m *manager) stopMetricsServer() {
	if m.metricsServer == nil {
		return
	}

	err := m.metricsServer.Stop()
	if err != nil {
		log.Warn().Err(err).Msg("ignoring error stopping metrics server")
	}

	m.metricsServer = nil
}

func (m *manager) restartMetricsServer() {
	m.stopMetricsServer()
	m.startMetricsServer()
}
