// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/opcua-engine/internal/fixture"
	"github.com/edgeo-scada/opcua-engine/server"
)

// engine is a node manager populated from a fixture, with the session
// manager and background loops around it.
type engine struct {
	cfg      *Config
	logger   *slog.Logger
	metrics  *server.EngineMetrics
	nm       *server.NodeManager
	sessions *server.SessionManager
	tokens   *server.JWTRoleMapper
	sims     []fixture.Simulation
}

// setup reads the configuration and builds the engine.
func setup(ctx context.Context, opts ...server.NodeManagerOption) (*engine, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, cfg, newLogger(os.Stderr, cfg), opts...)
}

func newEngine(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...server.NodeManagerOption) (*engine, error) {
	doc, err := loadFixture(cfg.Fixture)
	if err != nil {
		return nil, err
	}
	namespaces, err := doc.NamespaceTable()
	if err != nil {
		return nil, err
	}
	sims, err := doc.Simulations()
	if err != nil {
		return nil, err
	}

	metrics := server.NewEngineMetrics()
	base := []server.NodeManagerOption{
		server.WithLogger(logger),
		server.WithLimits(cfg.Limits.Limits()),
		server.WithMetrics(metrics),
	}
	nm, err := server.NewNodeManager(namespaces, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := doc.Populate(ctx, nm); err != nil {
		nm.Close()
		return nil, fmt.Errorf("populate address space: %w", err)
	}

	e := &engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		nm:      nm,
		sims:    sims,
	}
	var mapper server.RoleMapper = server.DefaultRoleMapper{}
	if cfg.JWT.Secret != "" {
		e.tokens = server.NewJWTRoleMapper(cfg.JWT.Secret, cfg.JWT.Issuer)
		mapper = e.tokens
	}
	e.sessions = server.NewSessionManager(
		server.WithSessionLogger(logger),
		server.WithRoleMapper(mapper),
		server.WithSessionDispatcher(nm.Dispatcher()),
		server.WithSessionMetrics(metrics),
		server.WithMaxSessions(cfg.MaxSessions),
	)
	return e, nil
}

func loadFixture(path string) (*fixture.Document, error) {
	if path == "" {
		return fixture.Demo()
	}
	return fixture.LoadFile(path)
}

// start runs the sampler and the simulator in g until its context ends.
func (e *engine) start(ctx context.Context, g *errgroup.Group) {
	sampler := server.NewSampler(e.nm, e.cfg.SampleInterval)
	g.Go(func() error {
		return ignoreCanceled(sampler.Run(ctx))
	})
	if len(e.sims) > 0 && e.cfg.SimulateInterval > 0 {
		sim := fixture.NewSimulator(e.nm, e.sims, nil, e.logger)
		g.Go(func() error {
			return ignoreCanceled(sim.Run(ctx, e.cfg.SimulateInterval))
		})
	}
}

// openSession creates and activates a session. A non-empty token is
// presented as an issued identity, otherwise the session is anonymous.
func (e *engine) openSession(ctx context.Context, name, token string) (*server.Session, error) {
	s, err := e.sessions.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	identity := server.AnonymousIdentity()
	if token != "" {
		identity = server.Identity{Type: server.IdentityIssued, Token: token}
	}
	if err := e.sessions.Activate(ctx, s.ID(), identity); err != nil {
		e.sessions.Close(ctx, s.ID(), true)
		return nil, fmt.Errorf("activate session: %w", err)
	}
	return s, nil
}

func (e *engine) Close() error {
	return e.nm.Close()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
