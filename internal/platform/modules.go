package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// SupportModule is a service that lives exactly as long as a run.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// startSupportModules starts modules in order. On failure it stops the ones
// already running, in reverse order.
func startSupportModules(ctx context.Context, modules []SupportModule) ([]SupportModule, error) {
	started := make([]SupportModule, 0, len(modules))
	names := make(map[string]struct{}, len(modules))
	for i, module := range modules {
		if module == nil {
			stopSupportModules(ctx, started)
			return nil, fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			stopSupportModules(ctx, started)
			return nil, fmt.Errorf("support module name is required at index %d", i)
		}
		if _, exists := names[name]; exists {
			stopSupportModules(ctx, started)
			return nil, fmt.Errorf("duplicate support module: %s", name)
		}
		if err := module.Start(ctx); err != nil {
			stopSupportModules(ctx, started)
			return nil, fmt.Errorf("start support module %s: %w", name, err)
		}
		names[name] = struct{}{}
		started = append(started, module)
	}
	return started, nil
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}

// MetricsServer serves a handler, normally the run's Prometheus registry,
// over HTTP at /metrics.
type MetricsServer struct {
	addr    string
	handler http.Handler

	srv      *http.Server
	listener net.Listener
	done     chan error
}

func NewMetricsServer(addr string, handler http.Handler) *MetricsServer {
	return &MetricsServer{addr: addr, handler: handler}
}

func (s *MetricsServer) Name() string { return "metrics" }

// Addr is the bound listen address once started.
func (s *MetricsServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *MetricsServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.handler)
	s.listener = ln
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.done = make(chan error, 1)
	go func() {
		s.done <- s.srv.Serve(ln)
	}()
	return nil
}

func (s *MetricsServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	if serveErr := <-s.done; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	s.srv = nil
	return err
}
