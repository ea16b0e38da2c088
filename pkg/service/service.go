// Package service wires the configuration, API clients, verifier, flows and
// health server into one runnable process.
package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cpunk-club/cpunk-verifier/pkg/circuitbreaker"
	"github.com/cpunk-club/cpunk-verifier/pkg/config"
	"github.com/cpunk-club/cpunk-verifier/pkg/dashboard"
	"github.com/cpunk-club/cpunk-verifier/pkg/dnaproxy"
	"github.com/cpunk-club/cpunk-verifier/pkg/flows"
	"github.com/cpunk-club/cpunk-verifier/pkg/health"
	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/remote"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

// Service holds the wired components of the verifier process
type Service struct {
	config    *config.Config
	logger    logger.Logger
	dashboard *dashboard.Client
	proxy     *dnaproxy.Client
	verifier  *verifier.Verifier
	registry  *verifier.Registry
	flows     *flows.Manager
	events    *health.EventLog
	sessions  *SessionRoutine
}

// NewService builds every component from cfg. observer receives flow progress and may be nil.
func NewService(cfg *config.Config, l logger.Logger, observer flows.Observer) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("missing configuration")
	}
	if l == nil {
		l = &logger.EmptyLogger{}
	}

	httpClient := remote.NewHTTPClient(cfg.HTTPTimeout)
	newBreaker := func(api string) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.NewCircuitBreaker(
			api,
			cfg.CircuitBreaker.Enabled,
			cfg.CircuitBreaker.Threshold,
			cfg.CircuitBreaker.WindowDuration,
			cfg.CircuitBreaker.ResetTimeout,
			l,
		)
	}

	proxy := dnaproxy.New(dnaproxy.Config{
		Endpoint:       cfg.DNAProxyURL,
		DefaultNetwork: cfg.DefaultNetwork,
		HTTPClient:     httpClient,
		Breaker:        newBreaker(dnaproxy.APIName),
		CacheTTL:       cfg.LookupCacheTTL,
		RateLimit:      cfg.DNAProxyRateLimit,
	}, l)

	dash := dashboard.New(cfg.DashboardAPIURL, httpClient, newBreaker(dashboard.APIName), l)
	if cfg.DashboardSessionID != "" {
		dash.SetSessionID(cfg.DashboardSessionID)
	}

	v := verifier.New(proxy,
		verifier.WithSchedule(cfg.VerificationSchedule),
		verifier.WithDefaultNetwork(cfg.DefaultNetwork),
		verifier.WithLogger(l),
	)
	registry := verifier.NewRegistry(v)

	return &Service{
		config:    cfg,
		logger:    l,
		dashboard: dash,
		proxy:     proxy,
		verifier:  v,
		registry:  registry,
		flows:     flows.NewManager(dash, proxy, registry, flows.SettingsFromConfig(cfg), l, observer),
		events:    health.NewEventLog(health.DefaultEventLogSize),
		sessions:  NewSessionRoutine(dash, cfg.SessionCheckInterval, l),
	}, nil
}

// Config returns the configuration the service was built from
func (s *Service) Config() *config.Config { return s.config }

// Dashboard returns the wallet dashboard client
func (s *Service) Dashboard() *dashboard.Client { return s.dashboard }

// Proxy returns the DNA proxy client
func (s *Service) Proxy() *dnaproxy.Client { return s.proxy }

// Verifier returns the transaction verifier
func (s *Service) Verifier() *verifier.Verifier { return s.verifier }

// Registry returns the session registry
func (s *Service) Registry() *verifier.Registry { return s.registry }

// Flows returns the payment flow manager
func (s *Service) Flows() *flows.Manager { return s.flows }

// Events returns the recent verification events
func (s *Service) Events() *health.EventLog { return s.events }

// Connect opens a dashboard session unless one is already configured
func (s *Service) Connect(ctx context.Context) error {
	if s.dashboard.Connected() {
		return nil
	}
	if _, err := s.dashboard.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to dashboard: %w", err)
	}
	return nil
}

// HealthServer builds the health and metrics server for this service
func (s *Service) HealthServer() *health.Server {
	server := health.NewServer(
		s.config.MetricsPort,
		s.registry,
		[]*circuitbreaker.CircuitBreaker{s.proxy.Breaker(), s.dashboard.Breaker()},
		s.events,
		s.config.MetricsAPIKey,
		s.logger,
	)
	server.AddReadinessCheck("dashboard", func(context.Context) error {
		if !s.dashboard.Connected() {
			return dashboard.ErrNotConnected
		}
		return nil
	})
	server.AddReadinessCheck("dna-proxy", func(context.Context) error {
		if s.proxy.Breaker().IsOpen() {
			return dnaproxy.ErrCircuitOpen
		}
		return nil
	})
	return server
}

// Start runs the health server, the event log and the dashboard session routine
// until ctx is cancelled, then stops every running verification.
func (s *Service) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.HealthServer().Start(ctx)
	})
	g.Go(func() error {
		return s.events.Follow(ctx, s.verifier)
	})
	g.Go(func() error {
		s.sessions.Start(ctx)
		<-ctx.Done()
		s.sessions.Stop()
		return nil
	})

	s.logger.Notice("Verifier service started, schedule %v", s.verifier.Schedule())
	err := g.Wait()
	s.Close()
	return err
}

// Close cancels every running verification and closes the event feed
func (s *Service) Close() {
	s.logger.Info("Shutting down, cancelling %d verification(s)", s.registry.Len())
	s.registry.CancelAll()
	s.verifier.Close()
}
