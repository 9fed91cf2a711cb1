// Package app manages the client's long-running components: the presence
// controller, an active match controller, and the status reporter. It
// provides ordered startup, signal handling, and reverse-order shutdown.
package app

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component. Start must block until the service
// ends or ctx is cancelled; Stop asks it to end.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func(ctx context.Context) error
	StopFn  func()
}

func (f *FuncService) Start(ctx context.Context) error { return f.StartFn(ctx) }

func (f *FuncService) Stop() {
	if f.StopFn != nil {
		f.StopFn()
	}
}

// Lifecycle starts services in registration order and stops them in reverse
// order on SIGINT, SIGTERM, context cancellation, or the first service
// failure.
type Lifecycle struct {
	logger   *zap.Logger
	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates an empty Lifecycle.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers a named service. Services start in the order added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until a termination signal arrives,
// ctx is cancelled, or a service fails.
//
// Postcondition: all services have been stopped, in reverse order.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(l.services))
	for _, ns := range l.services {
		ns := ns
		go func() {
			l.logger.Info("starting service", zap.String("service", ns.name))
			if err := ns.service.Start(ctx); err != nil {
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		l.logger.Info("shutting down")
	case runErr = <-errCh:
		l.logger.Error("service failed, shutting down", zap.Error(runErr))
	}

	l.shutdown()
	l.logger.Info("shutdown complete",
		zap.Duration("uptime", time.Since(start)))
	return runErr
}

func (l *Lifecycle) shutdown() {
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		l.logger.Info("stopping service", zap.String("service", ns.name))
		ns.service.Stop()
	}
}
