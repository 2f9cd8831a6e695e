package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"tabbridge/internal/bridge"
	"tabbridge/internal/logging"
)

const defaultShutdownTimeout = 5 * time.Second

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// lifecycle serves the HTTP surface until it fails or stop ends, then tears
// the server down phase by phase within one shared deadline.
type lifecycle struct {
	logger  *logging.Logger
	timeout time.Duration
	phases  []shutdownPhase

	once   sync.Once
	err    error
	failed int
}

func newLifecycle(logger *logging.Logger, timeout time.Duration) *lifecycle {
	if logger == nil {
		logger = logging.Discard()
	}
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &lifecycle{logger: logger, timeout: timeout}
}

// onShutdown appends a phase. Phases run once, in the order added, and a
// failing phase does not stop the ones after it.
func (l *lifecycle) onShutdown(name string, stop func(context.Context) error) {
	if stop == nil {
		return
	}
	l.phases = append(l.phases, shutdownPhase{name: name, stop: stop})
}

// drainBridge adds the bridge phase and reports how many peers and calls it
// cut off.
func (l *lifecycle) drainBridge(b *bridge.Bridge) {
	l.onShutdown("bridge", func(ctx context.Context) error {
		peers := b.Peers()
		pending := 0
		for _, peer := range peers {
			pending += peer.PendingCalls
		}
		err := b.Shutdown(ctx)
		l.logger.Info("peers drained", map[string]string{
			logging.FieldCategory: "shutdown",
			"peers":               strconv.Itoa(len(peers)),
			"failed_calls":        strconv.Itoa(pending),
		})
		return err
	})
}

// serve runs serveFn and blocks until it returns or stop ends. Either way the
// shutdown phases run before serve returns. Only a server failure other than
// http.ErrServerClosed is returned; phase errors are logged.
func (l *lifecycle) serve(stop context.Context, serveFn func() error) error {
	served := make(chan error, 1)
	go func() {
		served <- serveFn()
	}()

	var serveErr error
	exited := false
	select {
	case serveErr = <-served:
		exited = true
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			l.logger.Error("http server stopped", map[string]string{
				logging.FieldCategory: "server",
				"error":               serveErr.Error(),
			})
		}
	case <-stop.Done():
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	_ = l.shutdown(ctx)

	if !exited {
		select {
		case err := <-served:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr = err
			}
		case <-ctx.Done():
			l.logger.Warn("http server did not stop within shutdown timeout", map[string]string{
				logging.FieldCategory: "shutdown",
				"timeout":             l.timeout.String(),
			})
		}
	}

	l.logger.Info("shutdown complete", map[string]string{
		logging.FieldCategory: "shutdown",
		"duration":            time.Since(started).Round(time.Millisecond).String(),
		"phases":              strconv.Itoa(len(l.phases)),
		"failed_phases":       strconv.Itoa(l.failed),
	})

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// shutdown runs every phase once and joins their errors.
func (l *lifecycle) shutdown(ctx context.Context) error {
	l.once.Do(func() {
		for _, phase := range l.phases {
			started := time.Now()
			err := phase.stop(ctx)
			fields := map[string]string{
				logging.FieldCategory: "shutdown",
				"phase":               phase.name,
				"duration":            time.Since(started).Round(time.Millisecond).String(),
			}
			if err != nil {
				l.failed++
				l.err = errors.Join(l.err, fmt.Errorf("%s: %w", phase.name, err))
				fields["error"] = err.Error()
				l.logger.Warn("shutdown phase failed", fields)
				continue
			}
			l.logger.Debug("shutdown phase finished", fields)
		}
	})
	return l.err
}

// trapSignals returns a context cancelled by the first SIGINT or SIGTERM.
// The returned func releases the signal handler.
func trapSignals(parent context.Context, logger *logging.Logger) (context.Context, func()) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	ctx, release := watchSignals(parent, logger, signals)
	return ctx, func() {
		signal.Stop(signals)
		release()
	}
}

// watchSignals cancels its context on the first signal and logs the first
// repeat so an impatient operator knows the drain is still running.
func watchSignals(parent context.Context, logger *logging.Logger, signals <-chan os.Signal) (context.Context, func()) {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	var received atomic.Int32

	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				fields := map[string]string{logging.FieldCategory: "shutdown"}
				if sig != nil {
					fields["signal"] = sig.String()
				}
				switch received.Add(1) {
				case 1:
					logger.Info("draining peers and sessions", fields)
					cancel()
				case 2:
					logger.Warn("shutdown already draining; signal ignored", fields)
				}
			}
		}
	}()

	var releaseOnce sync.Once
	return ctx, func() {
		releaseOnce.Do(func() {
			close(done)
			cancel()
		})
	}
}
