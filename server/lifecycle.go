package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/logger"
)

// maintenanceInterval is how often expired jobs and idle rate buckets are dropped
const maintenanceInterval = 10 * time.Minute

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Debugw("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StartBackground starts the stream hub, the job broadcaster and periodic
// maintenance. Start calls it; tests that only need Handler call it directly.
func (s *Server) StartBackground(jobRetention time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	s.startJobUpdateBroadcaster()
	s.startMaintenance(jobRetention)
}

// startMaintenance periodically removes expired terminal jobs and idle rate buckets
func (s *Server) startMaintenance(jobRetention time.Duration) {
	ticker := time.NewTicker(maintenanceInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if jobRetention > 0 && s.deps.Videos != nil {
					s.deps.Videos.Registry().Cleanup(jobRetention)
				}
				if n := s.limiter.Prune(); n > 0 {
					s.logger.Debugw("Pruned idle rate limiters", logger.FieldCount, n)
				}
			}
		}
	}()
}

// Start serves the API on port until Stop is called
func (s *Server) Start(port int, jobRetention time.Duration) error {
	s.StartBackground(jobRetention)

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.logger.Infow("HTTP server listening",
		logger.FieldAddress, listener.Addr().String(),
		logger.FieldPort, port,
		"version", s.deps.Version)

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Stop drains in-flight requests, closes stream clients, and waits for
// background writes (history, analytics) to finish.
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "HTTP shutdown")
			s.logger.Warnw("HTTP shutdown incomplete", logger.FieldError, err.Error())
		}
	}

	// Close stream clients before cancelling so their pumps exit cleanly
	s.mu.Lock()
	for client := range s.clients {
		delete(s.clients, client)
		client.close()
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Goroutine shutdown timed out", "timeout", ShutdownTimeout)
	}

	if s.deps.Runner != nil {
		if err := s.deps.Runner.Close(ctx); err != nil {
			s.logger.Warnw("Background tasks did not drain", logger.FieldError, err.Error())
			if shutdownErr == nil {
				shutdownErr = err
			}
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "broadcast_drops", s.broadcastDrops.Load())
	return shutdownErr
}
