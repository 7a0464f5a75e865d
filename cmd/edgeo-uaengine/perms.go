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
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/opcua-engine"
	"github.com/edgeo-scada/opcua-engine/server"
)

var permsCmd = &cobra.Command{
	Use:   "perms",
	Short: "Show the permissions a set of roles holds on a node",
	Long: `Resolve a node of the fixture address space and print its metadata and
the permissions granted to the given roles.

Examples:
  edgeo-uaengine perms -n "ns=2;s=Boiler.Level"
  edgeo-uaengine perms -n "ns=2;s=Boiler.Setpoint" -r Operator -r AuthenticatedUser`,
	RunE: runPerms,
}

var (
	permsNodeID string
	permsRoles  []string
)

func init() {
	permsCmd.Flags().StringVarP(&permsNodeID, "node", "n", "", "Node ID to inspect")
	permsCmd.Flags().StringArrayVarP(&permsRoles, "role", "r", []string{"Anonymous"}, "Role name(s) held by the session")
	permsCmd.MarkFlagRequired("node")
}

func runPerms(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := opcua.ParseNodeID(permsNodeID)
	if err != nil {
		return fmt.Errorf("invalid node ID %q: %w", permsNodeID, err)
	}
	roles := make([]opcua.NodeID, 0, len(permsRoles))
	for _, name := range permsRoles {
		r, ok := opcua.RoleByName(name)
		if !ok {
			return fmt.Errorf("unknown role: %s", name)
		}
		roles = append(roles, r)
	}

	e, err := setup(ctx, server.WithAuditSink(server.NopAuditSink{}))
	if err != nil {
		return err
	}
	defer e.Close()

	sctx := server.WithSession(ctx, server.NewSession("edgeo-uaengine perms", roles...))
	h, err := e.nm.Resolve(sctx, id, 0)
	if err != nil {
		return err
	}
	md, err := e.nm.GetPermissionMetadata(sctx, h, server.ResultAll, nil, false)
	if err != nil {
		return err
	}
	if md == nil {
		return fmt.Errorf("%s is not in an owned namespace", id.Key())
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Node:\t%s\n", md.NodeID().Key())
	fmt.Fprintf(w, "Class:\t%s\n", md.NodeClass)
	fmt.Fprintf(w, "BrowseName:\t%s\n", md.BrowseName.Name)
	fmt.Fprintf(w, "DisplayName:\t%s\n", md.DisplayName.Text)
	if md.NodeClass == opcua.NodeClassVariable {
		fmt.Fprintf(w, "AccessLevel:\t%s\n", accessLevelString(md.AccessLevel))
	}
	fmt.Fprintf(w, "Roles:\t%s\n", strings.Join(permsRoles, ", "))
	fmt.Fprintf(w, "Granted:\t%s\n", granted(sctx, e.nm, md.NodeID()))
	w.Flush()

	if md.RolePermissions == nil && md.DefaultRolePermissions == nil {
		fmt.Println("\nRole permissions are not readable with these roles.")
		return nil
	}
	source, perms := "node", md.RolePermissions
	if len(perms) == 0 {
		source, perms = "namespace default", md.DefaultRolePermissions
	}
	fmt.Printf("\nRole permissions (%s):\n", source)
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tPERMISSIONS")
	for _, rp := range perms {
		fmt.Fprintf(w, "%s\t%s\n", opcua.RoleName(rp.RoleID), rp.Permissions)
	}
	return w.Flush()
}

// granted probes every permission bit on id.
func granted(ctx context.Context, nm *server.NodeManager, id opcua.NodeID) opcua.PermissionType {
	var p opcua.PermissionType
	for bit := opcua.PermissionType(1); bit&opcua.PermissionAll != 0; bit <<= 1 {
		if nm.ValidateRolePermissions(ctx, id, bit, nil) == nil {
			p |= bit
		}
	}
	return p
}

func accessLevelString(level uint8) string {
	var parts []string
	if level&opcua.AccessLevelCurrentRead != 0 {
		parts = append(parts, "CurrentRead")
	}
	if level&opcua.AccessLevelCurrentWrite != 0 {
		parts = append(parts, "CurrentWrite")
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}
