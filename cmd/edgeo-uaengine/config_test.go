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
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcua-engine/server"
)

func newTestViper(t *testing.T, doc string) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	if doc != "" {
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	}
	return v
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig(newTestViper(t, ""))
		require.NoError(t, err)
		assert.Equal(t, "text", cfg.LogFormat)
		assert.Equal(t, ":9464", cfg.Metrics.Listen)
		assert.Equal(t, "/metrics", cfg.Metrics.Path)
		assert.Equal(t, 100*time.Millisecond, cfg.SampleInterval)
		assert.Equal(t, server.DefaultLimits(), cfg.Limits.Limits())
	})

	t.Run("file", func(t *testing.T) {
		cfg, err := loadConfig(newTestViper(t, `
log-format: json
sample-interval: 50ms
max-sessions: 5
metrics:
  listen: 127.0.0.1:9000
jwt:
  secret: s3cret
limits:
  default-queue-size: 4
  default-publishing-interval: 500ms
  max-subscriptions-per-session: 2
`))
		require.NoError(t, err)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, 50*time.Millisecond, cfg.SampleInterval)
		assert.Equal(t, 5, cfg.MaxSessions)
		assert.Equal(t, "127.0.0.1:9000", cfg.Metrics.Listen)
		assert.Equal(t, "s3cret", cfg.JWT.Secret)
		assert.Equal(t, "edgeo-uaengine", cfg.JWT.Issuer)

		limits := cfg.Limits.Limits()
		assert.Equal(t, uint32(4), limits.DefaultQueueSize)
		assert.Equal(t, 500*time.Millisecond, limits.DefaultPublishingInterval)
		assert.Equal(t, 2, limits.MaxSubscriptionsPerSession)
		assert.Equal(t, server.DefaultLimits().MaxQueueSize, limits.MaxQueueSize)
	})

	t.Run("bad log format", func(t *testing.T) {
		_, err := loadConfig(newTestViper(t, "log-format: xml\n"))
		require.Error(t, err)
	})

	t.Run("metrics at root", func(t *testing.T) {
		_, err := loadConfig(newTestViper(t, "metrics:\n  path: /\n"))
		require.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, &Config{LogFormat: "json"}).Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	logger := newLogger(&buf, &Config{LogFormat: "text"})
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	newLogger(&buf, &Config{LogFormat: "text", Verbose: true}).Debug("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}
