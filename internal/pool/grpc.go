package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/monitor"
)

// grpcStrategy pools in-flight calls, not transports: the handle is the
// call-id string minted by the server's interceptors. Draining is observed
// by the interceptors (they refuse admission), and transport teardown is
// the native server's force-stop, so there is no per-entry native cleanup.
type grpcStrategy struct{}

// NewGRPCPool builds a call pool for the grpc server.
func NewGRPCPool(name string, cfg config.PoolConfig, log *logging.Logger) (*Pool, error) {
	return New(name, config.GRPC, &grpcStrategy{}, cfg, log)
}

func (s *grpcStrategy) Validate(conn Conn, meta *Meta) error {
	id, ok := conn.(string)
	if !ok || id == "" {
		return fmt.Errorf("pool: handle %T is not a call id", conn)
	}
	if meta.GRPC == nil {
		meta.GRPC = &GRPCMeta{}
	}
	if meta.ID == "" {
		meta.ID = id
	}
	return nil
}

// Healthy: an in-flight call is healthy while it is pooled.
func (s *grpcStrategy) Healthy(conn Conn, _ Meta, _ config.PoolConfig) bool {
	_, ok := conn.(string)
	return ok
}

// CloseGraceful waits for the call to release itself (the interceptor
// removes the entry when the handler returns), bounded by ctx.
func (s *grpcStrategy) CloseGraceful(ctx context.Context, p *Pool, conn Conn, _ Meta) error {
	for p.Contains(conn) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (s *grpcStrategy) Cleanup(Conn, Meta, string) {}

// IdleTimeout reuses the request budget: a call that neither finishes nor
// moves data within it is reaped.
func (s *grpcStrategy) IdleTimeout(cfg config.PoolConfig) time.Duration {
	return cfg.RequestTimeout.Std()
}

func (s *grpcStrategy) Tasks(*Pool) []monitor.Task { return nil }
