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
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/edgeo-scada/opcua-engine/server"
)

// Config is the engine configuration, read from flags, OPCUA_* environment
// variables and an optional YAML file.
type Config struct {
	Fixture          string        `mapstructure:"fixture"`
	LogFormat        string        `mapstructure:"log-format"`
	Verbose          bool          `mapstructure:"verbose"`
	SampleInterval   time.Duration `mapstructure:"sample-interval"`
	SimulateInterval time.Duration `mapstructure:"simulate-interval"`
	MaxSessions      int           `mapstructure:"max-sessions"`
	Metrics          MetricsConfig `mapstructure:"metrics"`
	JWT              JWTConfig     `mapstructure:"jwt"`
	Limits           LimitsConfig  `mapstructure:"limits"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen    string `mapstructure:"listen"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// JWTConfig configures issued identity tokens. An empty secret disables
// them.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// LimitsConfig mirrors server.Limits.
type LimitsConfig struct {
	DefaultQueueSize           uint32        `mapstructure:"default-queue-size"`
	MaxQueueSize               uint32        `mapstructure:"max-queue-size"`
	DefaultPublishingInterval  time.Duration `mapstructure:"default-publishing-interval"`
	MinPublishingInterval      time.Duration `mapstructure:"min-publishing-interval"`
	MinSamplingInterval        time.Duration `mapstructure:"min-sampling-interval"`
	DefaultLifetimeCount       uint32        `mapstructure:"default-lifetime-count"`
	DefaultMaxKeepAliveCount   uint32        `mapstructure:"default-max-keep-alive-count"`
	MaxNotificationsPerPublish uint32        `mapstructure:"max-notifications-per-publish"`
	MaxSubscriptionsPerSession int           `mapstructure:"max-subscriptions-per-session"`
	MaxItemsPerSubscription    int           `mapstructure:"max-items-per-subscription"`
	MaxRetransmissionQueue     int           `mapstructure:"max-retransmission-queue"`
	LifecycleEventBuffer       int           `mapstructure:"lifecycle-event-buffer"`
}

func setDefaults(v *viper.Viper) {
	l := server.DefaultLimits()
	v.SetDefault("fixture", "")
	v.SetDefault("log-format", "text")
	v.SetDefault("verbose", false)
	v.SetDefault("sample-interval", 100*time.Millisecond)
	v.SetDefault("simulate-interval", time.Second)
	v.SetDefault("max-sessions", 100)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "opcua_engine")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "edgeo-uaengine")
	v.SetDefault("limits.default-queue-size", l.DefaultQueueSize)
	v.SetDefault("limits.max-queue-size", l.MaxQueueSize)
	v.SetDefault("limits.default-publishing-interval", l.DefaultPublishingInterval)
	v.SetDefault("limits.min-publishing-interval", l.MinPublishingInterval)
	v.SetDefault("limits.min-sampling-interval", l.MinSamplingInterval)
	v.SetDefault("limits.default-lifetime-count", l.DefaultLifetimeCount)
	v.SetDefault("limits.default-max-keep-alive-count", l.DefaultMaxKeepAliveCount)
	v.SetDefault("limits.max-notifications-per-publish", l.MaxNotificationsPerPublish)
	v.SetDefault("limits.max-subscriptions-per-session", l.MaxSubscriptionsPerSession)
	v.SetDefault("limits.max-items-per-subscription", l.MaxItemsPerSubscription)
	v.SetDefault("limits.max-retransmission-queue", l.MaxRetransmissionQueue)
	v.SetDefault("limits.lifecycle-event-buffer", l.LifecycleEventBuffer)
}

// loadConfig decodes and checks the configuration held by v.
func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.LogFormat)
	}
	if cfg.Metrics.Path == "/" {
		return nil, fmt.Errorf("serving metrics from / is not supported")
	}
	return &cfg, nil
}

// Limits returns the server limits.
func (c LimitsConfig) Limits() server.Limits {
	return server.Limits{
		DefaultQueueSize:           c.DefaultQueueSize,
		MaxQueueSize:               c.MaxQueueSize,
		DefaultPublishingInterval:  c.DefaultPublishingInterval,
		MinPublishingInterval:      c.MinPublishingInterval,
		MinSamplingInterval:        c.MinSamplingInterval,
		DefaultLifetimeCount:       c.DefaultLifetimeCount,
		DefaultMaxKeepAliveCount:   c.DefaultMaxKeepAliveCount,
		MaxNotificationsPerPublish: c.MaxNotificationsPerPublish,
		MaxSubscriptionsPerSession: c.MaxSubscriptionsPerSession,
		MaxItemsPerSubscription:    c.MaxItemsPerSubscription,
		MaxRetransmissionQueue:     c.MaxRetransmissionQueue,
		LifecycleEventBuffer:       c.LifecycleEventBuffer,
	}
}

func newLogger(w io.Writer, cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
