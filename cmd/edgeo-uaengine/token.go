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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/opcua-engine/server"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an identity token",
	Long: `Issue an HS256 identity token granting roles, signed with the configured
JWT secret. Pass it to subscribe --token to activate a session with it.

Examples:
  OPCUA_JWT_SECRET=s3cret edgeo-uaengine token --subject alice -r Operator
  edgeo-uaengine token -c engine.yaml --subject bob -r Observer --ttl 15m`,
	RunE: runToken,
}

var (
	tokenSubject string
	tokenRoles   []string
	tokenTTL     time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject")
	tokenCmd.Flags().StringArrayVarP(&tokenRoles, "role", "r", nil, "Role name(s) to grant (can specify multiple)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("subject")
	tokenCmd.MarkFlagRequired("role")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("no JWT secret configured (set jwt.secret or OPCUA_JWT_SECRET)")
	}

	token, expires, err := server.NewJWTRoleMapper(cfg.JWT.Secret, cfg.JWT.Issuer).Issue(tokenSubject, tokenRoles, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Println(token)
	if cfg.Verbose {
		fmt.Printf("expires: %s\n", expires.Format(time.RFC3339))
	}
	return nil
}
