// Package relay wires the relay's dependencies together into a single
// runnable Server: config, session store, the ops handlers, every
// configured transport listener, the expiry sweeper, and the control-plane
// status server — the way cmd/bamgate-hub's main.go builds and runs its
// own Hub, generalized to a multi-listener TURN relay.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuuji/turngate/internal/config"
	"github.com/kuuji/turngate/internal/control"
	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/observer"
	"github.com/kuuji/turngate/internal/ops"
	"github.com/kuuji/turngate/internal/router"
	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/transport"
)

// Server is a fully wired TURN relay: one or more client-facing listeners
// (UDP, TCP, TLS, WebSocket) sharing a session.Store, an ops.Handler, and a
// transport.Bridge, plus a background expiry sweeper and an optional
// control-plane status socket.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *session.Store
	handler *ops.Handler
	bridge  *transport.Bridge
	sweeper *transport.Sweeper

	udpListeners []*transport.UDPListener
	tcpListeners []*transport.TCPListener
	httpServers  []*http.Server

	control *control.Server
	start   time.Time
}

// buildObserver selects the base Observer per cfg.Auth.Mode and wraps it in
// observer.Logging, keeping auth selection and logging as separate,
// composable decorator layers.
func buildObserver(cfg *config.Config, logger *slog.Logger) (observer.Observer, error) {
	var base observer.Observer
	switch cfg.Auth.Mode {
	case "", "static":
		users := make(map[string]observer.StaticUser, len(cfg.Users))
		for _, u := range cfg.Users {
			alg := creds.AlgorithmMD5
			if u.Algorithm == "sha256" {
				alg = creds.AlgorithmSHA256
			}
			su, err := observer.NewStaticUserFromKeyHex(u.KeyHex, alg)
			if err != nil {
				return nil, fmt.Errorf("relay: loading user %q: %w", u.Username, err)
			}
			users[u.Username] = su
		}
		base = observer.NewStaticTable(users)
	case "shared-secret":
		base = observer.SharedSecret{Secret: cfg.Auth.StaticSecret, Realm: cfg.Realm, Algorithm: creds.AlgorithmMD5}
	default:
		return nil, fmt.Errorf("relay: unknown auth mode %q", cfg.Auth.Mode)
	}
	return observer.Logging{Next: base, Logger: logger}, nil
}

// New builds a Server from cfg, wiring every component but not yet binding
// any sockets — call Start to do that.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	externalIP := net.ParseIP(cfg.External.IP)
	if externalIP == nil {
		return nil, fmt.Errorf("relay: invalid external.ip %q", cfg.External.IP)
	}

	store := session.NewStoreWithLifetimes(cfg.Realm, cfg.PortRange.Min, cfg.PortRange.Max, cfg.NonceLifetime.Dur(), session.Lifetimes{
		Default:    cfg.DefaultLifetime.Dur(),
		Max:        cfg.MaxLifetime.Dur(),
		Permission: cfg.PermissionLifetime.Dur(),
		Channel:    cfg.ChannelLifetime.Dur(),
	})

	baseObserver, err := buildObserver(cfg, logger)
	if err != nil {
		return nil, err
	}

	limiter := ops.NewRateLimiter(ops.DefaultSendRate, ops.DefaultSendBurst)

	handler := &ops.Handler{
		Store:      store,
		ExternalIP: externalIP,
		Software:   cfg.Software,
		Limiter:    limiter,
	}

	bridge := transport.NewBridge(baseObserver, store, handler, externalIP, logger)
	handler.Observer = bridge

	sweeper := transport.NewSweeper(store, bridge, limiter, transport.DefaultSweepInterval, logger)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		handler: handler,
		bridge:  bridge,
		sweeper: sweeper,
	}, nil
}

// Start binds every configured UDP/TCP/TLS interface and prepares the
// WebSocket HTTP servers. It does not block and does not serve; call Run to
// serve and to wait for shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.start = time.Now()

	var tlsConfig *tls.Config
	if s.cfg.TLS.CertChainPath != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertChainPath, s.cfg.TLS.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("relay: loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	for _, ifc := range s.cfg.Interfaces {
		switch ifc.Transport {
		case "udp":
			addr, err := net.ResolveUDPAddr("udp", ifc.BindAddr)
			if err != nil {
				return fmt.Errorf("relay: resolving udp bind_addr %q: %w", ifc.BindAddr, err)
			}
			ln, err := transport.NewUDPListener(addr, s.handler, s.store, s.bridge, s.logger)
			if err != nil {
				return fmt.Errorf("relay: binding udp %s: %w", ifc.BindAddr, err)
			}
			s.udpListeners = append(s.udpListeners, ln)

		case "tcp":
			ln, err := transport.NewTCPListener(ifc.BindAddr, nil, s.handler, s.store, s.bridge, s.logger)
			if err != nil {
				return fmt.Errorf("relay: binding tcp %s: %w", ifc.BindAddr, err)
			}
			s.tcpListeners = append(s.tcpListeners, ln)

		case "tls":
			if tlsConfig == nil {
				return fmt.Errorf("relay: interface %q requires tls.cert_chain_path/private_key_path", ifc.BindAddr)
			}
			ln, err := transport.NewTCPListener(ifc.BindAddr, tlsConfig, s.handler, s.store, s.bridge, s.logger)
			if err != nil {
				return fmt.Errorf("relay: binding tls %s: %w", ifc.BindAddr, err)
			}
			s.tcpListeners = append(s.tcpListeners, ln)

		case "ws":
			addr, err := net.ResolveTCPAddr("tcp", ifc.BindAddr)
			if err != nil {
				return fmt.Errorf("relay: resolving ws bind_addr %q: %w", ifc.BindAddr, err)
			}
			backing := &transport.TCPListener{
				Listener: transport.AddrOnlyListener(addr),
				Handler:  s.handler,
				Store:    s.store,
				Bridge:   s.bridge,
				Router:   router.New(s.store),
				Logger:   s.logger,
			}
			ws := transport.NewWSListener(backing)
			mux := http.NewServeMux()
			mux.Handle("/turn", ws)
			httpSrv := &http.Server{Addr: ifc.BindAddr, Handler: mux}
			s.httpServers = append(s.httpServers, httpSrv)

		default:
			return fmt.Errorf("relay: unknown interface transport %q", ifc.Transport)
		}
	}

	return nil
}

// Run blocks, serving every listener and the sweeper until ctx is canceled
// or one fails, then tears everything down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, ln := range s.udpListeners {
		ln := ln
		g.Go(func() error { return ln.Serve(gctx) })
	}
	for _, ln := range s.tcpListeners {
		ln := ln
		g.Go(func() error { return ln.Serve(gctx) })
	}
	for _, srv := range s.httpServers {
		srv := srv
		g.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			select {
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				return gctx.Err()
			case err := <-errCh:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		})
	}
	g.Go(func() error { return s.sweeper.Run(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Close releases every bound socket.
func (s *Server) Close() {
	for _, ln := range s.udpListeners {
		_ = ln.Close()
	}
	for _, ln := range s.tcpListeners {
		_ = ln.Close()
	}
	if s.control != nil {
		_ = s.control.Stop()
	}
}

// StartControl starts the Unix-socket status server at socketPath.
func (s *Server) StartControl(socketPath string) error {
	s.control = control.NewServer(socketPath, s.Status, s.logger)
	return s.control.Start()
}

// Status builds a point-in-time control.Status snapshot from the store.
func (s *Server) Status() control.Status {
	stats := s.store.Stats()
	allocs := s.store.ListAllocations()
	peers := make([]control.AllocationStatus, 0, len(allocs))
	for _, a := range allocs {
		peers = append(peers, control.AllocationStatus{
			ID:           a.ID.String(),
			ClientAddr:   a.Symbol.ClientAddr,
			Transport:    a.Symbol.Transport,
			Username:     a.Username,
			RelayedAddr:  fmt.Sprintf("%s:%d", a.RelayedIP, a.RelayedPort),
			CreatedAt:    a.CreatedAt,
			ExpiresAt:    a.ExpiresAt(),
			Permissions:  a.PermissionCount(),
			ChannelBinds: a.ChannelCount(),
		})
	}
	return control.Status{
		Realm:         s.cfg.Realm,
		UptimeSeconds: time.Since(s.start).Seconds(),
		Allocations:   stats.Allocations,
		PortsInUse:    stats.PortsInUse,
		NoncesTracked: stats.NoncesTracked,
		Peers:         peers,
	}
}
