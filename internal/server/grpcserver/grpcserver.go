// Package grpcserver adapts google.golang.org/grpc to the server.Base
// lifecycle. Every call is tracked in the connection pool under a generated
// call id: the interceptors admit on entry, touch on stream traffic, and
// release exactly once on completion. While the server drains, new calls
// are refused with codes.Unavailable and the standard health service
// reports NOT_SERVING so load balancers steer away before the listener
// goes.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/metrics"
	"github.com/koatty/serve/internal/pool"
	"github.com/koatty/serve/internal/ssl"
)

// Channel lifetime policy. Connections idle past maxConnectionIdle or older
// than maxConnectionAge are told to go away; the grace period lets their
// in-flight calls finish first.
const (
	maxConnectionIdle     = 5 * time.Minute
	maxConnectionAge      = time.Hour
	maxConnectionAgeGrace = 30 * time.Second

	keepaliveTimeout    = 20 * time.Second
	keepaliveMinPingGap = 10 * time.Second
)

// Registrar wires application services onto the native server. It runs
// during PostInit, after the health service is in place.
type Registrar func(*grpc.Server)

// Adapter runs one grpc.Server.
type Adapter struct {
	log      *logging.Logger
	register Registrar
	pool     *pool.Pool
	requests *metrics.RequestCounters

	trace    atomic.Bool
	draining atomic.Bool
	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	mu     sync.Mutex
	srv    *grpc.Server
	health *health.Server
}

// New builds a grpc adapter. The registrar may be nil for a server exposing
// only the health service.
func New(opts *config.ListeningOptions, register Registrar, log *logging.Logger) (*Adapter, error) {
	if opts.Protocol != config.GRPC {
		return nil, fmt.Errorf("grpcserver: protocol %q is not grpc", opts.Protocol)
	}
	if log == nil {
		log = logging.New(nil)
	}
	p, err := pool.NewGRPCPool("", opts.ConnectionPool, log)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		log:      log.Child(logging.Context{Module: "GRPC", Protocol: "GRPC"}),
		register: register,
		pool:     p,
		requests: &metrics.RequestCounters{},
	}
	a.trace.Store(opts.Trace)
	return a, nil
}

// Protocol returns config.GRPC.
func (a *Adapter) Protocol() config.Protocol { return config.GRPC }

// Pool returns the adapter's call pool.
func (a *Adapter) Pool() *pool.Pool { return a.pool }

// Requests returns the adapter's request counters.
func (a *Adapter) Requests() *metrics.RequestCounters { return a.requests }

// CreateServer assembles the native server with interceptors, keepalive
// policy, message-size limits and transport credentials.
func (a *Adapter) CreateServer(opts *config.ListeningOptions) error {
	cfg := opts.ConnectionPool

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(a.unaryInterceptor()),
		grpc.ChainStreamInterceptor(a.streamInterceptor()),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     maxConnectionIdle,
			MaxConnectionAge:      maxConnectionAge,
			MaxConnectionAgeGrace: maxConnectionAgeGrace,
			Time:                  cfg.GRPC.KeepAliveTime.Std(),
			Timeout:               keepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepaliveMinPingGap,
			PermitWithoutStream: true,
		}),
	}
	if cfg.GRPC.MaxReceiveMessageLength > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(cfg.GRPC.MaxReceiveMessageLength))
	}
	if cfg.GRPC.MaxSendMessageLength > 0 {
		serverOpts = append(serverOpts, grpc.MaxSendMsgSize(cfg.GRPC.MaxSendMessageLength))
	}
	if opts.SSL != nil && opts.SSL.Active(config.GRPC) {
		tlsConf, err := ssl.Build(config.GRPC, opts.SSL)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConf)))
	}

	a.draining.Store(false)
	a.mu.Lock()
	a.srv = grpc.NewServer(serverOpts...)
	a.health = health.NewServer()
	a.mu.Unlock()
	return nil
}

// ConfigureOptions has no post-creation tunables; everything the channel
// needs was baked into the server options.
func (a *Adapter) ConfigureOptions(*config.ListeningOptions) error { return nil }

// PostInit registers the health service and the application services.
func (a *Adapter) PostInit(*config.ListeningOptions) error {
	a.mu.Lock()
	srv, hs := a.srv, a.health
	a.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("grpcserver: PostInit before CreateServer")
	}

	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if a.register != nil {
		a.register(srv)
	}
	return nil
}

// Serve runs the native accept loop. An orderly stop returns nil.
func (a *Adapter) Serve(lis net.Listener) error {
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("grpcserver: Serve before CreateServer")
	}

	err := srv.Serve(lis)
	if err == nil || errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("grpcserver: serve: %w", err)
}

// StopAccepting flips the health service to NOT_SERVING and gates new
// calls at the interceptors. The transport itself stays up so in-flight
// streams finish and health probes can observe the flip; the base's force
// phase tears it down once the pool drains or the budget runs out.
func (a *Adapter) StopAccepting() {
	a.mu.Lock()
	hs := a.health
	a.mu.Unlock()
	if hs == nil {
		return
	}

	a.draining.Store(true)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// ForceShutdown terminates every in-flight call.
func (a *Adapter) ForceShutdown() {
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
}

// ApplyRuntime picks up the trace toggle; channel options require a
// restart.
func (a *Adapter) ApplyRuntime(opts *config.ListeningOptions) error {
	a.trace.Store(opts.Trace)
	return nil
}

// HealthChecks reports the channel's serving state.
func (a *Adapter) HealthChecks() map[string]metrics.Check {
	if a.draining.Load() {
		return map[string]metrics.Check{
			"grpc": {State: metrics.Degraded, Message: "draining, refusing new calls"},
		}
	}
	return map[string]metrics.Check{
		"grpc": {State: metrics.Healthy, Message: "serving"},
	}
}

// CustomMetrics reports call occupancy and message volume.
func (a *Adapter) CustomMetrics() map[string]any {
	return map[string]any{
		"activeCalls":     a.pool.Active(),
		"messageBytesIn":  a.bytesIn.Load(),
		"messageBytesOut": a.bytesOut.Load(),
	}
}

// ─── Interceptors ─────────────────────────────────────────────────────────────

// healthServicePrefix marks RPCs exempt from admission: health probes must
// keep answering while the server drains, or the NOT_SERVING flip would
// never reach a load balancer.
const healthServicePrefix = "/grpc.health.v1.Health/"

func isHealthCheck(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, healthServicePrefix)
}

// admit reserves a pool slot for one call. The returned release is safe to
// call more than once; the pool slot is freed exactly once.
func (a *Adapter) admit(ctx context.Context, fullMethod string) (string, func(), error) {
	if a.draining.Load() {
		return "", nil, status.Error(codes.Unavailable, "server is draining")
	}

	callID := uuid.NewString()
	service, method := splitFullMethod(fullMethod)
	meta := pool.Meta{GRPC: &pool.GRPCMeta{
		Service: service,
		Method:  method,
		Peer:    peerAddr(ctx),
	}}
	if !a.pool.Register(callID, meta) {
		return "", nil, status.Error(codes.Unavailable, "connection pool at capacity")
	}

	var once sync.Once
	release := func() {
		once.Do(func() { a.pool.Remove(callID, "call_complete") })
	}
	return callID, release, nil
}

func (a *Adapter) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isHealthCheck(info.FullMethod) {
			return handler(ctx, req)
		}
		_, release, err := a.admit(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		defer release()

		a.countMessage(req, &a.bytesIn)
		start := time.Now()
		resp, err := handler(ctx, req)
		a.observe(info.FullMethod, start, err)
		if err == nil {
			a.countMessage(resp, &a.bytesOut)
		}
		return resp, err
	}
}

func (a *Adapter) streamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if isHealthCheck(info.FullMethod) {
			return handler(srv, ss)
		}
		callID, release, err := a.admit(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		defer release()

		start := time.Now()
		err = handler(srv, &callStream{ServerStream: ss, adapter: a, callID: callID})
		a.observe(info.FullMethod, start, err)
		return err
	}
}

func (a *Adapter) observe(fullMethod string, start time.Time, err error) {
	elapsed := time.Since(start)
	a.requests.Observe(elapsed, err != nil)
	if a.trace.Load() {
		a.log.Debug("call", fmt.Sprintf("%s %s", fullMethod, status.Code(err)), map[string]any{
			"durationMs": elapsed.Milliseconds(),
		})
	}
}

func (a *Adapter) countMessage(m any, counter *atomic.Int64) {
	if msg, ok := m.(proto.Message); ok {
		counter.Add(int64(proto.Size(msg)))
	}
}

// callStream tracks stream activity so long-lived streams are not reaped as
// stuck while they move data.
type callStream struct {
	grpc.ServerStream
	adapter *Adapter
	callID  string
}

func (s *callStream) RecvMsg(m any) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.adapter.pool.Touch(s.callID)
		s.adapter.countMessage(m, &s.adapter.bytesIn)
	}
	return err
}

func (s *callStream) SendMsg(m any) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.adapter.pool.Touch(s.callID)
		s.adapter.countMessage(m, &s.adapter.bytesOut)
	}
	return err
}

func splitFullMethod(full string) (service, method string) {
	full = strings.TrimPrefix(full, "/")
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
