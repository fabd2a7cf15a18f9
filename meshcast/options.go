package meshcast

// Option defines an option for the meshcast Manager.
type Option func(m *manager) error

// WithConfigFile provides a config filepath to the manager.
func WithConfigFile(s string) Option {
	return func(m *manager) error {
		m.configPath = s

		return nil
	}
}

// WithLiveReload instructs the manager to watch the config file for changes and "live reload"
// the flooding policy and, if needed, the relay interfaces.
func WithLiveReload(b bool) Option {
	return func(m *manager) error {
		m.liveReload = b

		return nil
	}
}

// WithLogLevel overrides the log level from the config file.
func WithLogLevel(s string) Option {
	return func(m *manager) error {
		m.logLevel = s

		return nil
	}
}
