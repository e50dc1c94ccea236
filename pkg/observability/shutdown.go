package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager stops HTTP servers first, then runs registered cleanup
// functions in reverse registration order.
type ShutdownManager struct {
	logger  logrus.FieldLogger
	timeout time.Duration

	mu      sync.Mutex
	servers []*http.Server
	funcs   []namedShutdown
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger logrus.FieldLogger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, timeout: timeout}
}

// RegisterServer adds an HTTP server to drain on shutdown.
func (sm *ShutdownManager) RegisterServer(server *http.Server) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.servers = append(sm.servers, server)
}

// RegisterShutdownFunc registers a cleanup function. Functions registered
// later run first, so resources are released in reverse order of creation.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, namedShutdown{name: name, fn: fn})
}

// WaitForShutdown blocks until ctx is done and then shuts everything down.
// Pair it with signal.NotifyContext.
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	<-ctx.Done()
	sm.logger.Info("Shutdown signal received, starting graceful shutdown")
	return sm.Shutdown(context.Background())
}

// Shutdown drains servers and runs cleanup functions within the configured
// timeout.
func (sm *ShutdownManager) Shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, sm.timeout)
	defer cancel()

	sm.mu.Lock()
	servers := append([]*http.Server(nil), sm.servers...)
	funcs := append([]namedShutdown(nil), sm.funcs...)
	sm.mu.Unlock()

	var errs []error

	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				sm.logger.WithError(err).WithField("addr", srv.Addr).Error("HTTP server shutdown error")
				errMu.Lock()
				errs = append(errs, fmt.Errorf("server %s: %w", srv.Addr, err))
				errMu.Unlock()
			}
		}(srv)
	}
	wg.Wait()

	for i := len(funcs) - 1; i >= 0; i-- {
		f := funcs[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown timeout reached before %s", f.name))
			break
		}
		if err := f.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("component", f.name).Error("Shutdown function failed")
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		sm.logger.WithField("component", f.name).Debug("Shutdown function complete")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
