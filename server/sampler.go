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

package server

import (
	"context"
	"log/slog"
	"time"
)

// Sampler drives the sampling path of a NodeManager. Each tick samples the
// items whose sampling interval has elapsed, so the tick should be no longer
// than the smallest sampling interval in use.
type Sampler struct {
	nm       *NodeManager
	interval time.Duration
	logger   *slog.Logger
}

// NewSampler returns a sampler ticking every interval. A non-positive
// interval uses the manager's minimum sampling interval.
func NewSampler(nm *NodeManager, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = nm.opts.limits.MinSamplingInterval
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Sampler{
		nm:       nm,
		interval: interval,
		logger:   nm.logger.With(slog.String("component", "sampler")),
	}
}

// Interval returns the tick interval.
func (s *Sampler) Interval() time.Duration { return s.interval }

// Run samples until ctx ends and returns ctx.Err().
func (s *Sampler) Run(ctx context.Context) error {
	t := s.nm.clock.Ticker(s.interval)
	defer t.Stop()

	s.logger.Info("sampler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sampler stopped")
			return ctx.Err()
		case <-t.C:
			if n := s.nm.Sample(ctx); n > 0 {
				s.logger.Debug("sampled", slog.Int("queued", n))
			}
		}
	}
}
