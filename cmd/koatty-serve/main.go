// Command koatty-serve runs the multi-protocol server harness. It loads a
// YAML configuration file, starts one protocol server per configured entry
// on consecutive ports, serves the monitoring API on a sidecar address,
// applies configuration file changes while running, and shuts down
// gracefully on SIGINT, SIGTERM or SIGQUIT.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/monitor"
	"github.com/koatty/serve/internal/rest"
	"github.com/koatty/serve/internal/server/wsserver"
	"github.com/koatty/serve/internal/supervisor"
	"github.com/koatty/serve/internal/terminus"
)

// applyTimeout bounds one configuration reload, including any restarts it
// triggers.
const applyTimeout = 30 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "YAML configuration file (optional; defaults apply without one)")
		logLevel    = flag.String("log-level", "", "override log_level: debug | info | warn | error")
		basePort    = flag.Uint("port", 0, "override the base listen port; protocol i listens on port+i")
		monitorAddr = flag.String("monitoring-addr", "", `override the monitoring API address ("off" disables it)`)
		jwtKeyPath  = flag.String("jwt-pubkey", "", "override the PEM RSA public key path for monitoring API tokens")
	)
	flag.Parse()

	if *basePort > 65535 {
		fmt.Fprintf(os.Stderr, "koatty-serve: -port %d is out of range\n", *basePort)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "koatty-serve:", err)
		os.Exit(1)
	}
	applyFlags(cfg, *logLevel, uint16(*basePort), *monitorAddr, *jwtKeyPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "koatty-serve: invalid configuration:", err)
		os.Exit(1)
	}

	base := logging.NewBase(cfg.LogLevel)
	slog.SetDefault(base)
	log := logging.New(base)

	log.Info("startup", fmt.Sprintf("koatty-serve starting: %v on base port %d", cfg.Protocols, cfg.Port), nil)

	sched := monitor.NewScheduler(log, monitor.DefaultTick)
	sup, err := supervisor.New(cfg, demoApp(), sched, log)
	if err != nil {
		log.Error("startup", "cannot build servers", err)
		os.Exit(1)
	}

	// ── Monitoring API ───────────────────────────────────────────────────────
	var monitorSrv *http.Server
	if cfg.Monitoring.Addr != "off" {
		jwtCfg, err := monitoringAuth(cfg.Monitoring.JWTPublicKeyPath, log)
		if err != nil {
			log.Error("startup", "cannot set up monitoring API authentication", err)
			os.Exit(1)
		}
		monitorSrv = &http.Server{
			Addr:         cfg.Monitoring.Addr,
			Handler:      rest.NewRouter(rest.NewAPI(sup, log), jwtCfg),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("monitoring", "monitoring api listening on "+cfg.Monitoring.Addr, nil)
			if err := monitorSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("monitoring", "monitoring api failed", err)
			}
		}()
	}

	// ── Configuration reload ─────────────────────────────────────────────────
	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.Watch(*configPath, log, func(next *config.Config) {
			// Command-line overrides outlive file reloads.
			applyFlags(next, *logLevel, uint16(*basePort), *monitorAddr, *jwtKeyPath)
			if err := next.Validate(); err != nil {
				log.Error("reload", "overridden config invalid; keeping active snapshot", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
			defer cancel()
			if err := sup.ApplyConfig(ctx, next); err != nil {
				log.Error("reload", "config apply failed", err)
			}
		})
		if err != nil {
			log.Error("startup", "cannot watch config file", err)
			os.Exit(1)
		}
	}

	// ── Start servers ────────────────────────────────────────────────────────
	if err := sup.Start(context.Background()); err != nil {
		log.Error("startup", "cannot start servers", err)
		os.Exit(1)
	}
	sched.Start()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	binder := terminus.New(log)
	binder.OnBeforeExit(func() error {
		// Reloads and sampling stop before the drain begins; the monitoring
		// API stays up so the drain remains observable.
		if watcher != nil {
			watcher.Close()
		}
		sched.Destroy()
		return nil
	})
	sup.RegisterWith(binder)

	log.Info("startup", fmt.Sprintf("koatty-serve ready: %d servers listening", len(sup.Servers())), nil)
	select {}
}

// loadConfig reads the YAML file at path, or builds the default
// configuration when no path is given. Environment overrides apply either
// way.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		config.ApplyEnv(cfg)
		return cfg, nil
	}
	return config.Load(path)
}

// applyFlags layers command-line overrides onto cfg. A zero value leaves
// the corresponding field alone.
func applyFlags(cfg *config.Config, logLevel string, port uint16, monitorAddr, jwtKeyPath string) {
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if port != 0 {
		cfg.Port = port
	}
	if monitorAddr != "" {
		cfg.Monitoring.Addr = monitorAddr
	}
	if jwtKeyPath != "" {
		cfg.Monitoring.JWTPublicKeyPath = jwtKeyPath
	}
}

// monitoringAuth loads the RS256 verification key for the monitoring API.
// It returns nil when no key is configured, which leaves the API open.
func monitoringAuth(keyPath string, log *logging.Logger) (*rest.JWTConfig, error) {
	if keyPath == "" {
		log.Warn("monitoring", "no jwt public key configured; monitoring api is unauthenticated", nil)
		return nil, nil
	}
	pemData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	key, err := rest.ParseRSAPublicKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return &rest.JWTConfig{PublicKey: key, Log: log}, nil
}

// demoApp is the application served until the harness is embedded as a
// library: an echo HTTP handler, a websocket echo route, and the standard
// gRPC health service.
func demoApp() supervisor.Application {
	return supervisor.Application{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "koatty-serve\n")
		}),
		WSRoutes: wsserver.Routes{
			"/echo": func(conn *websocket.Conn, messageType int, data []byte) error {
				return conn.WriteMessage(messageType, data)
			},
		},
	}
}
