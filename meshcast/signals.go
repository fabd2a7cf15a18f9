package meshcast

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
)

const signalExitCode = 130

var signalHandled atomic.Bool //nolint:gochecknoglobals

// SignalHandledContext returns a context canceled by the first SIGINT or SIGTERM; a second
// signal exits the process. Only one may be live at a time, calling the returned cancel func
// releases the signals so another can be created.
func SignalHandledContext(logger zerolog.Logger) (context.Context, context.CancelFunc) {
	if !signalHandled.CompareAndSwap(false, true) {
		panic("meshcast: signal handled context already exists")
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2) //nolint:gomnd
	released := make(chan struct{})

	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var once sync.Once

	release := func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(released)
			signalHandled.Store(false)
		})

		cancel()
	}

	go func() {
		select {
		case sig := <-sigs:
			logger.Warn().Stringer("signal", sig).Msg("received signal, shutting down")

			cancel()
		case <-released:
			return
		}

		select {
		case sig := <-sigs:
			logger.Warn().Stringer("signal", sig).Msg("received second signal, exiting")

			os.Exit(signalExitCode)
		case <-released:
		}
	}()

	return ctx, release
}
