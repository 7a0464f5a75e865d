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

package fixture

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/edgeo-scada/opcua-engine"
	"github.com/edgeo-scada/opcua-engine/server"
)

// SimulationKind selects how a simulated node changes on every step.
type SimulationKind int

// Simulation kinds.
const (
	// SimulateRamp counts 0..99 as a Double.
	SimulateRamp SimulationKind = iota
	// SimulateSine follows a sine wave between 0 and 100 with a period of
	// 60 steps.
	SimulateSine
	// SimulateToggle flips a Boolean.
	SimulateToggle
	// SimulateEvents reports an event from an object node every 10 steps.
	SimulateEvents
)

// String returns the string representation of a SimulationKind.
func (k SimulationKind) String() string {
	switch k {
	case SimulateRamp:
		return "ramp"
	case SimulateSine:
		return "sine"
	case SimulateToggle:
		return "toggle"
	case SimulateEvents:
		return "events"
	default:
		return "unknown"
	}
}

// ParseSimulationKind returns the kind named s.
func ParseSimulationKind(s string) (SimulationKind, bool) {
	for _, k := range []SimulationKind{SimulateRamp, SimulateSine, SimulateToggle, SimulateEvents} {
		if strings.EqualFold(k.String(), s) {
			return k, true
		}
	}
	return 0, false
}

// Simulation is one simulated node.
type Simulation struct {
	NodeID opcua.NodeID
	Kind   SimulationKind
}

// Value returns the value of a data simulation at step.
func (s Simulation) Value(step uint64) *opcua.Variant {
	switch s.Kind {
	case SimulateRamp:
		return opcua.NewVariant(float64(step % 100))
	case SimulateSine:
		return opcua.NewVariant(50 + 50*math.Sin(2*math.Pi*float64(step%60)/60))
	case SimulateToggle:
		return opcua.NewVariant(step%2 == 1)
	}
	return nil
}

// Simulator plays the part of a device feeding the address space: it
// writes simulated values as a data source and reports simulated events.
type Simulator struct {
	nm     *server.NodeManager
	sims   []Simulation
	clock  clock.Clock
	logger *slog.Logger
	step   uint64
}

// NewSimulator returns a simulator driving sims on nm.
func NewSimulator(nm *server.NodeManager, sims []Simulation, c clock.Clock, logger *slog.Logger) *Simulator {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		nm:     nm,
		sims:   sims,
		clock:  c,
		logger: logger.With(slog.String("component", "simulator")),
	}
}

// Step advances every simulation by one step. ctx should carry no session
// so that writes are data source updates.
func (s *Simulator) Step(ctx context.Context) {
	s.step++
	now := s.clock.Now()
	for _, sim := range s.sims {
		if sim.Kind == SimulateEvents {
			if s.step%10 != 0 {
				continue
			}
			ev := server.NewEvent(sim.NodeID, uint16(100+s.step%900), "simulated event")
			if _, err := s.nm.ReportEvent(ctx, ev); err != nil {
				s.logger.Warn("event report failed", slog.String("node_id", sim.NodeID.Key()), slog.String("error", err.Error()))
			}
			continue
		}
		dv := opcua.DataValue{
			Value:           sim.Value(s.step),
			StatusCode:      opcua.StatusGood,
			SourceTimestamp: now,
		}
		if err := s.nm.WriteValue(ctx, sim.NodeID, dv); err != nil {
			s.logger.Warn("simulated write failed", slog.String("node_id", sim.NodeID.Key()), slog.String("error", err.Error()))
		}
	}
}

// Run steps every interval until ctx ends and returns ctx.Err().
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	t := s.clock.Ticker(interval)
	defer t.Stop()
	s.logger.Info("simulator started", slog.Int("nodes", len(s.sims)), slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Step(ctx)
		}
	}
}
