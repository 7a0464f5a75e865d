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

// Package fixture loads an address space from a YAML document into a
// server.NodeManager.
package fixture

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/opcua-engine"
	"github.com/edgeo-scada/opcua-engine/server"
)

// Document is the root of a fixture file.
type Document struct {
	Namespaces []NamespaceSpec `yaml:"namespaces"`
	Nodes      []NodeSpec      `yaml:"nodes"`
	References []ReferenceSpec `yaml:"references"`
	Views      []ViewSpec      `yaml:"views"`
}

// NamespaceSpec describes one owned namespace. DefaultRolePermissions maps
// role names to permission names.
type NamespaceSpec struct {
	Index                  uint16              `yaml:"index"`
	URI                    string              `yaml:"uri"`
	DefaultRolePermissions map[string][]string `yaml:"defaultRolePermissions"`
}

// NodeSpec describes one node. Parent defaults to the Objects folder and
// Reference to Organizes for objects and HasComponent for variables.
type NodeSpec struct {
	ID              string              `yaml:"id"`
	Class           string              `yaml:"class"`
	Name            string              `yaml:"name"`
	DisplayName     string              `yaml:"displayName"`
	Description     string              `yaml:"description"`
	Parent          string              `yaml:"parent"`
	Reference       string              `yaml:"reference"`
	DataType        string              `yaml:"dataType"`
	Value           interface{}         `yaml:"value"`
	Access          []string            `yaml:"access"`
	EventNotifier   bool                `yaml:"eventNotifier"`
	RolePermissions map[string][]string `yaml:"rolePermissions"`
	Simulate        string              `yaml:"simulate"`
}

// ReferenceSpec describes an extra reference between two nodes.
type ReferenceSpec struct {
	Source string `yaml:"source"`
	Type   string `yaml:"type"`
	Target string `yaml:"target"`
}

// ViewSpec describes a view registered on the node manager.
type ViewSpec struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Root       string   `yaml:"root"`
	References []string `yaml:"references"`
}

var referenceTypes = map[string]opcua.NodeID{
	"organizes":              opcua.RefOrganizes,
	"hascomponent":           opcua.RefHasComponent,
	"hasproperty":            opcua.RefHasProperty,
	"haseventsource":         opcua.RefHasEventSource,
	"hasnotifier":            opcua.RefHasNotifier,
	"hierarchicalreferences": opcua.RefHierarchicalReferences,
}

var dataTypes = map[string]opcua.NodeID{
	"boolean": opcua.NewNumericNodeID(0, 1),
	"int32":   opcua.NewNumericNodeID(0, 6),
	"uint32":  opcua.NewNumericNodeID(0, 7),
	"int64":   opcua.NewNumericNodeID(0, 8),
	"float":   opcua.NewNumericNodeID(0, 10),
	"double":  opcua.NewNumericNodeID(0, 11),
	"string":  opcua.NewNumericNodeID(0, 12),
}

//go:embed plant.yaml
var demoPlant []byte

// Demo returns the built-in demo plant.
func Demo() (*Document, error) {
	return Load(bytes.NewReader(demoPlant))
}

// Load decodes a fixture document.
func Load(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return &doc, nil
}

// LoadFile decodes the fixture document at path.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// NamespaceTable returns the namespace table to build a NodeManager from.
func (d *Document) NamespaceTable() ([]*server.Namespace, error) {
	out := make([]*server.Namespace, 0, len(d.Namespaces))
	for _, spec := range d.Namespaces {
		perms, err := rolePermissions(spec.DefaultRolePermissions)
		if err != nil {
			return nil, fmt.Errorf("namespace %d: %w", spec.Index, err)
		}
		out = append(out, &server.Namespace{
			Index:                  spec.Index,
			URI:                    spec.URI,
			DefaultRolePermissions: perms,
		})
	}
	return out, nil
}

// Populate adds the document's nodes, references and views to nm, in
// document order. A parent must appear before its children.
func (d *Document) Populate(ctx context.Context, nm *server.NodeManager) error {
	for _, spec := range d.Nodes {
		b, err := spec.build()
		if err != nil {
			return fmt.Errorf("node %q: %w", spec.ID, err)
		}
		if err := nm.AddNode(ctx, b.node, b.parent, b.ref); err != nil {
			return fmt.Errorf("node %q: %w", spec.ID, err)
		}
		if b.value != nil {
			dv := opcua.DataValue{Value: b.value, StatusCode: opcua.StatusGood}
			if err := nm.Table().SetValue(b.node.ID, dv); err != nil {
				return fmt.Errorf("node %q: %w", spec.ID, err)
			}
		}
	}
	for _, spec := range d.References {
		source, err := opcua.ParseNodeID(spec.Source)
		if err != nil {
			return fmt.Errorf("reference source %q: %w", spec.Source, err)
		}
		target, err := opcua.ParseNodeID(spec.Target)
		if err != nil {
			return fmt.Errorf("reference target %q: %w", spec.Target, err)
		}
		refType, err := referenceType(spec.Type)
		if err != nil {
			return err
		}
		if err := nm.AddReference(ctx, source, refType, target); err != nil {
			return err
		}
	}
	for _, spec := range d.Views {
		v, err := spec.build()
		if err != nil {
			return fmt.Errorf("view %q: %w", spec.ID, err)
		}
		if err := nm.RegisterView(ctx, v); err != nil {
			return fmt.Errorf("view %q: %w", spec.ID, err)
		}
	}
	return nil
}

// Simulations returns the nodes carrying a simulate key.
func (d *Document) Simulations() ([]Simulation, error) {
	var out []Simulation
	for _, spec := range d.Nodes {
		if spec.Simulate == "" {
			continue
		}
		id, err := opcua.ParseNodeID(spec.ID)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", spec.ID, err)
		}
		kind, ok := ParseSimulationKind(spec.Simulate)
		if !ok {
			return nil, fmt.Errorf("node %q: unknown simulation %q", spec.ID, spec.Simulate)
		}
		out = append(out, Simulation{NodeID: id, Kind: kind})
	}
	return out, nil
}

type builtNode struct {
	node   *server.Node
	value  *opcua.Variant
	parent opcua.NodeID
	ref    opcua.NodeID
}

func (s NodeSpec) build() (*builtNode, error) {
	id, err := opcua.ParseNodeID(s.ID)
	if err != nil {
		return nil, err
	}
	class, ok := opcua.ParseNodeClass(s.Class)
	if !ok {
		return nil, fmt.Errorf("unknown node class %q", s.Class)
	}
	name := s.Name
	if name == "" {
		name = id.Key()
	}

	n := server.NewNode(id, class, name)
	b := &builtNode{node: n, parent: opcua.ObjectsFolder}
	if s.DisplayName != "" {
		n.DisplayName = opcua.LocalizedText{Text: s.DisplayName}
	}
	n.Description = opcua.LocalizedText{Text: s.Description}
	if s.EventNotifier {
		n.EventNotifier = opcua.EventNotifierSubscribeToEvents
	}
	if n.RolePermissions, err = rolePermissions(s.RolePermissions); err != nil {
		return nil, err
	}

	if class == opcua.NodeClassVariable {
		if n.AccessLevel, err = accessLevel(s.Access); err != nil {
			return nil, err
		}
		if b.value, n.DataType, err = variant(s.Value, s.DataType); err != nil {
			return nil, err
		}
	} else if s.Value != nil {
		return nil, fmt.Errorf("%s nodes carry no value", class)
	}

	if s.Parent != "" {
		if b.parent, err = opcua.ParseNodeID(s.Parent); err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
	}
	refName := s.Reference
	if refName == "" {
		refName = "Organizes"
		if class == opcua.NodeClassVariable {
			refName = "HasComponent"
		}
	}
	if b.ref, err = referenceType(refName); err != nil {
		return nil, err
	}
	return b, nil
}

func (s ViewSpec) build() (server.View, error) {
	id, err := opcua.ParseNodeID(s.ID)
	if err != nil {
		return server.View{}, err
	}
	root, err := opcua.ParseNodeID(s.Root)
	if err != nil {
		return server.View{}, fmt.Errorf("root: %w", err)
	}
	v := server.View{ID: id, Name: s.Name, Root: root}
	for _, name := range s.References {
		ref, err := referenceType(name)
		if err != nil {
			return server.View{}, err
		}
		v.ReferenceTypes = append(v.ReferenceTypes, ref)
	}
	return v, nil
}

func referenceType(name string) (opcua.NodeID, error) {
	if ref, ok := referenceTypes[strings.ToLower(name)]; ok {
		return ref, nil
	}
	return opcua.NodeID{}, fmt.Errorf("unknown reference type %q", name)
}

func rolePermissions(spec map[string][]string) ([]opcua.RolePermission, error) {
	if len(spec) == 0 {
		return nil, nil
	}
	out := make([]opcua.RolePermission, 0, len(spec))
	for name, perms := range spec {
		role, ok := opcua.RoleByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		p, ok := opcua.ParsePermissions(perms)
		if !ok {
			return nil, fmt.Errorf("role %s: unknown permission in %v", name, perms)
		}
		out = append(out, opcua.RolePermission{RoleID: role, Permissions: p})
	}
	return out, nil
}

func accessLevel(names []string) (uint8, error) {
	if len(names) == 0 {
		return opcua.AccessLevelCurrentRead, nil
	}
	var level uint8
	for _, name := range names {
		switch strings.ToLower(name) {
		case "read":
			level |= opcua.AccessLevelCurrentRead
		case "write":
			level |= opcua.AccessLevelCurrentWrite
		default:
			return 0, fmt.Errorf("unknown access level %q", name)
		}
	}
	return level, nil
}

// variant converts a decoded YAML scalar to a variant of the named data
// type. Without a data type integers become Int32 and other scalars keep
// their decoded type.
func variant(v interface{}, dataType string) (*opcua.Variant, opcua.NodeID, error) {
	dt := strings.ToLower(dataType)
	if dt == "" {
		switch v.(type) {
		case nil:
			return nil, opcua.NodeID{}, nil
		case int:
			dt = "int32"
		case float64:
			dt = "double"
		case bool:
			dt = "boolean"
		case string:
			dt = "string"
		default:
			return nil, opcua.NodeID{}, fmt.Errorf("unsupported value %v", v)
		}
	}
	typeID, ok := dataTypes[dt]
	if !ok {
		return nil, opcua.NodeID{}, fmt.Errorf("unknown data type %q", dataType)
	}
	if v == nil {
		return nil, typeID, nil
	}

	var out interface{}
	switch x := v.(type) {
	case int:
		switch dt {
		case "int32":
			out = int32(x)
		case "uint32":
			out = uint32(x)
		case "int64":
			out = int64(x)
		case "float":
			out = float32(x)
		case "double":
			out = float64(x)
		}
	case float64:
		switch dt {
		case "float":
			out = float32(x)
		case "double":
			out = x
		}
	case bool:
		if dt == "boolean" {
			out = x
		}
	case string:
		if dt == "string" {
			out = x
		}
	}
	if out == nil {
		return nil, opcua.NodeID{}, fmt.Errorf("value %v is not a %s", v, dataType)
	}
	return opcua.NewVariant(out), typeID, nil
}
