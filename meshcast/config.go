package meshcast

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads, defaults and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: failed reading config file at path %q: %s", ErrConfig, path, err,
		)
	}

	return ParseConfig(configBytes)
}

// ParseConfig unmarshals, defaults and validates a yaml config.
func ParseConfig(b []byte) (*Config, error) {
	c := &Config{}

	err := yaml.Unmarshal(b, c)
	if err != nil {
		return nil, fmt.Errorf("%w: failed unmarshaling config: %s", ErrConfig, err)
	}

	c.setDefaults()

	err = c.validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) setDefaults() {
	if c.MeshPort == 0 {
		c.MeshPort = MeshPort
	}

	if c.Encapsulate == nil {
		encapsulate := true
		c.Encapsulate = &encapsulate
	}

	if c.TTLPolicy == "" {
		c.TTLPolicy = ttlPolicyDecrement
	}

	if c.ControlPorts == nil {
		c.ControlPorts = []uint16{RoutingControlPort}
	}

	if c.TunTap.Name == "" {
		c.TunTap.Name = TunTapName
	}

	if c.TunTap.Type == "" {
		c.TunTap.Type = tunTapTypeTun
	}

	if c.TunTap.Address == "" {
		c.TunTap.Address = TunTapAddress
	}

	if c.History.Slots == 0 {
		c.History.Slots = HistorySlots
	}

	if c.History.SweepInterval == 0 {
		c.History.SweepInterval = SweepInterval
	}
}

func (c *Config) validate() error {
	var errs []error

	if len(c.Interfaces.Mesh)+len(c.Interfaces.Extra) == 0 {
		errs = append(errs, errors.New("no mesh or extra interfaces configured"))
	}

	switch strings.ToLower(c.TTLPolicy) {
	case ttlPolicyDecrement, ttlPolicyPreserve:
	default:
		errs = append(errs, fmt.Errorf(
			"unknown ttl policy %q, expected %q or %q",
			c.TTLPolicy, ttlPolicyDecrement, ttlPolicyPreserve,
		))
	}

	switch strings.ToLower(c.TunTap.Type) {
	case tunTapTypeTun, tunTapTypeTap:
	default:
		errs = append(errs, fmt.Errorf(
			"unknown tun/tap type %q, expected %q or %q",
			c.TunTap.Type, tunTapTypeTun, tunTapTypeTap,
		))
	}

	pfx, err := netip.ParsePrefix(c.TunTap.Address)
	if err != nil || !pfx.Addr().Is4() {
		errs = append(errs, fmt.Errorf("tun/tap address %q is not an ipv4 cidr", c.TunTap.Address))
	}

	if c.History.Slots < 0 {
		errs = append(errs, fmt.Errorf("history slots must be positive, got %d", c.History.Slots))
	}

	if c.History.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf(
			"history sweep interval must be positive, got %s", c.History.SweepInterval,
		))
	}

	_, err = NewFilterTable(c.Filters)
	if err != nil {
		errs = append(errs, err)
	}

	_, err = NewStaticPolicy(c.Policy)
	if err != nil {
		errs = append(errs, err)
	}

	if c.Logging.Level != "" {
		_, err = zerologLevel(c.Logging.Level)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
}

func configsEqual(existingConfig, newConfig *Config) bool {
	return reflect.DeepEqual(existingConfig, newConfig)
}

// relayConfigsEqual reports whether two configs would produce the same relay engine; the
// flooding policy, logging and metrics settings can all change under a running engine.
func relayConfigsEqual(existingConfig, newConfig *Config) bool {
	a, b := *existingConfig, *newConfig

	a.Policy, b.Policy = Policy{}, Policy{}
	a.Logging, b.Logging = Logging{}, Logging{}
	a.Metrics, b.Metrics = MetricsConfig{}, MetricsConfig{}

	return reflect.DeepEqual(a, b)
}

func (m *manager) watchConfig() error {
	if !m.liveReload {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer func() {
			_ = watcher.Close()
		}()

		for {
			select {
			case <-m.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				log.Debug().Str("event", event.String()).Msg("got config watch event")

				if event.Name == m.configPath &&
					(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					m.reloadConfig()
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				log.Warn().Err(watchErr).Msg("config watch error")
			}
		}
	}()

	err = watcher.Add(filepath.Dir(m.configPath))
	if err != nil {
		return err
	}

	return nil
}

func (m *manager) reloadConfig() {
	log.Info().Msg("processing config update...")

	newConfig, err := LoadConfig(m.configPath)
	if err != nil {
		log.Error().Err(err).Msg("ignoring invalid config update, keeping current config")

		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if configsEqual(m.config, newConfig) {
		log.Info().Msg("previous and current parsed config are equal, nothing to do...")

		return
	}

	oldConfig := m.config
	m.config = newConfig

	if !reflect.DeepEqual(oldConfig.Logging, newConfig.Logging) {
		_ = m.applyLogging()
	}

	if !reflect.DeepEqual(oldConfig.Policy, newConfig.Policy) {
		m.swapPolicy()
	}

	if !reflect.DeepEqual(oldConfig.Metrics, newConfig.Metrics) {
		m.restartMetricsServer()
	}

	if relayConfigsEqual(oldConfig, newConfig) {
		log.Info().Msg("relay config unchanged, engine keeps running")

		return
	}

	log.Info().Msg("relay config has changes, restarting engine...")

	m.stopEngine()

	err = m.startEngine()
	if err != nil {
		log.Error().Err(err).Msg("failed restarting engine after config update")

		select {
		case m.errChan <- err:
		default:
		}
	}
}
