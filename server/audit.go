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

	"github.com/edgeo-scada/opcua-engine"
)

// PermissionDeniedRecord describes one failed role-permission check.
type PermissionDeniedRecord struct {
	SessionID string
	NodeID    opcua.NodeID
	Requested opcua.PermissionType
	Roles     []opcua.NodeID
}

// AuditSink receives security-relevant engine events. Implementations must
// not block: they are called from publish and sampling paths.
type AuditSink interface {
	PermissionDenied(ctx context.Context, rec PermissionDeniedRecord)
	QueueOverflow(ctx context.Context, subscriptionID uint32, sessionID string)
}

// NopAuditSink discards everything.
type NopAuditSink struct{}

// PermissionDenied implements AuditSink.
func (NopAuditSink) PermissionDenied(context.Context, PermissionDeniedRecord) {}

// QueueOverflow implements AuditSink.
func (NopAuditSink) QueueOverflow(context.Context, uint32, string) {}

// LogAuditSink writes audit records to a structured logger.
type LogAuditSink struct {
	Logger *slog.Logger
}

// NewLogAuditSink returns a sink logging to logger, or slog.Default() when
// logger is nil.
func NewLogAuditSink(logger *slog.Logger) *LogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditSink{Logger: logger.With(slog.String("component", "audit"))}
}

// PermissionDenied implements AuditSink.
func (s *LogAuditSink) PermissionDenied(ctx context.Context, rec PermissionDeniedRecord) {
	roles := make([]string, len(rec.Roles))
	for i, r := range rec.Roles {
		roles[i] = opcua.RoleName(r)
	}
	s.Logger.WarnContext(ctx, "permission denied",
		slog.String("session_id", rec.SessionID),
		slog.String("node_id", rec.NodeID.Key()),
		slog.String("requested", rec.Requested.String()),
		slog.Any("roles", roles),
	)
}

// QueueOverflow implements AuditSink.
func (s *LogAuditSink) QueueOverflow(ctx context.Context, subscriptionID uint32, sessionID string) {
	s.Logger.WarnContext(ctx, "queue overflow",
		slog.Uint64("subscription_id", uint64(subscriptionID)),
		slog.String("session_id", sessionID),
	)
}
