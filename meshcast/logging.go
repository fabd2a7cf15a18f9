package meshcast

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global logger. An empty level means info.
func SetupLogging(level string, pretty bool) error {
	lvl, err := zerologLevel(level)
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()

		return nil
	}

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	return nil
}

func zerologLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w: invalid log level %q: %s", ErrConfig, level, err)
	}

	return lvl, nil
}
