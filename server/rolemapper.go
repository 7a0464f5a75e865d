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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/edgeo-scada/opcua-engine"
)

// IdentityTokenType identifies how a session authenticated.
type IdentityTokenType int

// Identity token types.
const (
	IdentityAnonymous IdentityTokenType = iota
	IdentityUserName
	IdentityIssued
)

// String returns the string representation of an IdentityTokenType.
func (t IdentityTokenType) String() string {
	switch t {
	case IdentityAnonymous:
		return "Anonymous"
	case IdentityUserName:
		return "UserName"
	case IdentityIssued:
		return "Issued"
	default:
		return "Unknown"
	}
}

// Identity is the user identity presented when a session is activated.
type Identity struct {
	Type     IdentityTokenType
	UserName string
	// Token holds the issued token of an IdentityIssued identity.
	Token string
}

// AnonymousIdentity returns the anonymous identity.
func AnonymousIdentity() Identity {
	return Identity{Type: IdentityAnonymous}
}

// RoleMapper grants roles to an identity.
type RoleMapper interface {
	MapRoles(ctx context.Context, id Identity) ([]opcua.NodeID, error)
}

// RoleMapperFunc adapts a function to RoleMapper.
type RoleMapperFunc func(ctx context.Context, id Identity) ([]opcua.NodeID, error)

// MapRoles implements RoleMapper.
func (f RoleMapperFunc) MapRoles(ctx context.Context, id Identity) ([]opcua.NodeID, error) {
	return f(ctx, id)
}

// DefaultRoleMapper grants Anonymous to anonymous sessions and
// AuthenticatedUser to everyone else. Issued tokens are rejected.
type DefaultRoleMapper struct{}

// MapRoles implements RoleMapper.
func (DefaultRoleMapper) MapRoles(_ context.Context, id Identity) ([]opcua.NodeID, error) {
	switch id.Type {
	case IdentityAnonymous:
		return []opcua.NodeID{opcua.RoleAnonymous}, nil
	case IdentityUserName:
		if id.UserName == "" {
			return nil, fmt.Errorf("empty user name: %w", opcua.ErrPermissionDenied)
		}
		return []opcua.NodeID{opcua.RoleAnonymous, opcua.RoleAuthenticatedUser}, nil
	default:
		return nil, fmt.Errorf("identity token %s not supported: %w", id.Type, opcua.ErrPermissionDenied)
	}
}

// RoleClaims are the claims of an issued identity token.
type RoleClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTRoleMapper maps HS256-signed issued tokens carrying a roles claim of
// well-known role names. Anonymous and user name identities are handled by
// DefaultRoleMapper.
type JWTRoleMapper struct {
	secretKey []byte
	issuer    string
	clock     clock.Clock
	fallback  RoleMapper
}

// NewJWTRoleMapper creates a mapper verifying tokens with secretKey.
func NewJWTRoleMapper(secretKey, issuer string) *JWTRoleMapper {
	return &JWTRoleMapper{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		clock:     clock.New(),
		fallback:  DefaultRoleMapper{},
	}
}

// WithClock replaces the clock used to issue and verify tokens.
func (m *JWTRoleMapper) WithClock(c clock.Clock) *JWTRoleMapper {
	m.clock = c
	return m
}

// Issue mints a token for subject granting roles, valid for ttl.
func (m *JWTRoleMapper) Issue(subject string, roles []string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject cannot be empty")
	}
	for _, r := range roles {
		if _, ok := opcua.RoleByName(r); !ok {
			return "", time.Time{}, fmt.Errorf("unknown role %q", r)
		}
	}

	now := m.clock.Now()
	expiresAt := now.Add(ttl)
	claims := RoleClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the token signature, expiry and issuer and returns its
// claims.
func (m *JWTRoleMapper) Verify(tokenString string) (*RoleClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	opts := []jwt.ParserOption{jwt.WithTimeFunc(m.clock.Now)}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &RoleClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*RoleClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// MapRoles implements RoleMapper. Unknown role names in a valid token are
// ignored; a token granting none of the known roles is rejected.
func (m *JWTRoleMapper) MapRoles(ctx context.Context, id Identity) ([]opcua.NodeID, error) {
	if id.Type != IdentityIssued {
		return m.fallback.MapRoles(ctx, id)
	}
	claims, err := m.Verify(id.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", opcua.ErrPermissionDenied, err)
	}

	roles := []opcua.NodeID{opcua.RoleAuthenticatedUser}
	granted := 0
	for _, name := range claims.Roles {
		r, ok := opcua.RoleByName(name)
		if !ok {
			continue
		}
		granted++
		if !containsNodeID(roles, r) {
			roles = append(roles, r)
		}
	}
	if granted == 0 {
		return nil, fmt.Errorf("token grants no known role: %w", opcua.ErrPermissionDenied)
	}
	return roles, nil
}

func containsNodeID(ids []opcua.NodeID, id opcua.NodeID) bool {
	for _, x := range ids {
		if x.Equal(id) {
			return true
		}
	}
	return false
}
