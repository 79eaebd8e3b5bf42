// Package supervisor fans one configuration out to a set of protocol
// servers sharing a base port.
//
// Protocol i in the configured list listens on basePort+i. Start and Stop
// run the children concurrently and report every child's error rather
// than stopping at the first. When the configuration carries an
// ext.auditLog path, lifecycle outcomes are appended to a hash-chained
// audit trail.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/koatty/serve/internal/audit"
	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/server"
	"github.com/koatty/serve/internal/server/grpcserver"
	"github.com/koatty/serve/internal/server/httpserver"
	"github.com/koatty/serve/internal/server/wsserver"
	"github.com/koatty/serve/internal/terminus"
	"github.com/koatty/serve/internal/util"
)

// Application bundles what the served application hands the harness: an
// HTTP handler for the HTTP family, websocket routes for ws/wss, and a
// gRPC service registrar. Only the parts matching the configured protocol
// set need to be present.
type Application struct {
	Handler      http.Handler
	WSRoutes     wsserver.Routes
	GRPCServices grpcserver.Registrar
}

// Supervisor owns one server per configured protocol. The protocol set is
// fixed at construction; configuration reloads adjust the children but
// never add or remove them.
type Supervisor struct {
	id    string
	log   *logging.Logger
	trail *audit.Trail

	servers []*server.Base
	byID    map[string]*server.Base
}

// New builds one server per protocol in cfg.Protocols, protocol i on port
// cfg.Port+i. The scheduler is shared by every child. When
// cfg.Ext["auditLog"] names a file, the audit trail is opened and its
// existing chain verified before any server is built.
func New(cfg *config.Config, app Application, sched *monitor.Scheduler, log *logging.Logger) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("supervisor: configuration is required")
	}
	if log == nil {
		log = logging.New(nil)
	}
	s := &Supervisor{
		id:   util.GenerateServerID("multi"),
		log:  log.Child(logging.Context{Module: "SUPERVISOR"}),
		byID: make(map[string]*server.Base, len(cfg.Protocols)),
	}

	if path, ok := cfg.Ext["auditLog"].(string); ok && path != "" {
		trail, err := audit.Open(path)
		if err != nil {
			return nil, fmt.Errorf("supervisor: audit trail: %w", err)
		}
		s.trail = trail
	}

	for i, p := range cfg.Protocols {
		opts := cfg.ForProtocol(p, cfg.Port+uint16(i))
		srv, err := build(opts, app, sched, log)
		if err != nil {
			for _, built := range s.servers {
				_ = built.Destroy(context.Background())
			}
			s.closeTrail()
			return nil, fmt.Errorf("supervisor: %s on port %d: %w", p, opts.Port, err)
		}
		s.servers = append(s.servers, srv)
		s.byID[srv.ID()] = srv
	}
	return s, nil
}

func build(opts *config.ListeningOptions, app Application, sched *monitor.Scheduler, log *logging.Logger) (*server.Base, error) {
	var (
		adapter server.Adapter
		err     error
	)
	switch opts.Protocol {
	case config.HTTP, config.HTTPS, config.HTTP2:
		adapter, err = httpserver.New(opts, app.Handler, log)
	case config.WS, config.WSS:
		adapter, err = wsserver.New(opts, app.WSRoutes, log)
	case config.GRPC:
		adapter, err = grpcserver.New(opts, app.GRPCServices, log)
	default:
		err = fmt.Errorf("no adapter for protocol %q", opts.Protocol)
	}
	if err != nil {
		return nil, err
	}
	return server.New(opts, adapter, sched, log)
}

// ID identifies the supervisor to the signal binder.
func (s *Supervisor) ID() string { return s.id }

// Servers returns the children in configuration order.
func (s *Supervisor) Servers() []*server.Base {
	return append([]*server.Base(nil), s.servers...)
}

// GetServer returns the child serving p. Port 0 matches any port, so the
// usual one-instance-per-protocol lookup can omit it.
func (s *Supervisor) GetServer(p config.Protocol, port uint16) (*server.Base, bool) {
	for _, srv := range s.servers {
		if srv.Protocol() != p {
			continue
		}
		if port == 0 || srv.Options().Port == port {
			return srv, true
		}
	}
	return nil, false
}

// ServerByID returns the child with the given generated id.
func (s *Supervisor) ServerByID(id string) (*server.Base, bool) {
	srv, ok := s.byID[id]
	return srv, ok
}

// Start brings every child up concurrently. Every child is attempted; the
// returned error joins the failures.
func (s *Supervisor) Start(ctx context.Context) error {
	g := new(errgroup.Group)
	errs := make([]error, len(s.servers))
	for i, srv := range s.servers {
		i, srv := i, srv
		g.Go(func() error {
			err := srv.Start(ctx)
			errs[i] = err
			s.record(audit.Record{
				Action:   audit.ActionServerStart,
				ServerID: srv.ID(),
				Protocol: string(srv.Protocol()),
				Addr:     addrString(srv),
				Error:    errString(err),
			})
			return err
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("supervisor: start: %w", err)
	}
	s.log.Info("start", fmt.Sprintf("%d servers listening", len(s.servers)), nil)
	return nil
}

// Stop drains every child concurrently and waits for all of them. Child
// errors are joined, never short-circuiting the siblings.
func (s *Supervisor) Stop(ctx context.Context) error {
	g := new(errgroup.Group)
	errs := make([]error, len(s.servers))
	for i, srv := range s.servers {
		i, srv := i, srv
		g.Go(func() error {
			// The listener address is gone once the stop completes.
			addr := addrString(srv)
			err := srv.Stop(ctx)
			errs[i] = err
			s.record(audit.Record{
				Action:   audit.ActionServerStop,
				ServerID: srv.ID(),
				Protocol: string(srv.Protocol()),
				Addr:     addr,
				Error:    errString(err),
			})
			return err
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("supervisor: stop: %w", err)
	}
	s.log.Info("stop", "all servers stopped", nil)
	return nil
}

// NotifyKilled fans the kill mark out to every child so the monitoring
// API reports 503 across the whole set until shutdown completes.
func (s *Supervisor) NotifyKilled() {
	for _, srv := range s.servers {
		srv.NotifyKilled()
	}
}

// RegisterWith arms the binder with the supervisor as a single stopper,
// so one signal drains every child and the before-exit hooks run once.
func (s *Supervisor) RegisterWith(b *terminus.Binder, opts ...terminus.Option) {
	b.Register(s, opts...)
}

// ApplyConfig fans a new configuration root out to the children. Each
// child receives the snapshot derived for its protocol at the new base
// port plus the protocol's position in the new list. A protocol present
// on only one side of the change is reported as an error: the running set
// is fixed until the process restarts.
func (s *Supervisor) ApplyConfig(ctx context.Context, next *config.Config) error {
	if next == nil {
		return fmt.Errorf("supervisor: nil configuration")
	}

	ports := make(map[config.Protocol]uint16, len(next.Protocols))
	for i, p := range next.Protocols {
		ports[p] = next.Port + uint16(i)
	}

	errs := make([]error, len(s.servers)+1)
	running := make(map[config.Protocol]bool, len(s.servers))
	g := new(errgroup.Group)
	for i, srv := range s.servers {
		i, srv := i, srv
		p := srv.Protocol()
		running[p] = true
		port, ok := ports[p]
		if !ok {
			errs[i] = fmt.Errorf("%s: removed from configuration; restart the process to drop it", p)
			continue
		}
		opts := next.ForProtocol(p, port)
		g.Go(func() error {
			change := config.Classify(srv.Options(), opts)
			err := srv.ApplyConfig(ctx, opts)
			errs[i] = err
			if !change.None() {
				action := audit.ActionConfigApply
				if change.RequiresRestart() {
					action = audit.ActionConfigRestart
				}
				s.record(audit.Record{
					Action:   action,
					ServerID: srv.ID(),
					Protocol: string(p),
					Addr:     addrString(srv),
					Detail:   changeDetail(change),
					Error:    errString(err),
				})
			}
			return err
		})
	}
	_ = g.Wait()

	var added []string
	for _, p := range next.Protocols {
		if !running[p] {
			added = append(added, string(p))
		}
	}
	if len(added) > 0 {
		errs[len(s.servers)] = fmt.Errorf("%s: not running; restart the process to add it", strings.Join(added, ", "))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("supervisor: apply: %w", err)
	}
	return nil
}

// Destroy stops every child, releases their pools and closes the audit
// trail. The supervisor is not reusable afterwards.
func (s *Supervisor) Destroy(ctx context.Context) error {
	stopErr := s.Stop(ctx)
	errs := []error{stopErr}
	for _, srv := range s.servers {
		errs = append(errs, srv.Destroy(ctx))
	}
	s.closeTrail()
	return errors.Join(errs...)
}

// record appends to the audit trail when one is configured. Trail
// failures are logged, never propagated into the lifecycle result.
func (s *Supervisor) record(r audit.Record) {
	if s.trail == nil {
		return
	}
	if _, err := s.trail.Record(r); err != nil {
		s.log.Error("audit", "trail append failed", err)
	}
}

func (s *Supervisor) closeTrail() {
	if s.trail == nil {
		return
	}
	if err := s.trail.Close(); err != nil {
		s.log.Error("audit", "trail close failed", err)
	}
	s.trail = nil
}

func changeDetail(ch config.Change) string {
	if ch.RequiresRestart() {
		parts := make([]string, len(ch.Reasons))
		for i, r := range ch.Reasons {
			parts[i] = string(r)
		}
		return strings.Join(parts, ",")
	}
	return strings.Join(ch.RuntimeFields, ",")
}

func addrString(srv *server.Base) string {
	if addr := srv.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func errString(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
