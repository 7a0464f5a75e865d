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

package opcua

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gopcua/opcua/ua"
)

// ParseNodeID parses the textual form of a node identifier, for example
// "i=85", "ns=2;s=Boiler.Level", "ns=1;g=..." or "ns=3;b=AQID".
func ParseNodeID(s string) (NodeID, error) {
	if !hasIdentifierType(s) {
		return NodeID{}, fmt.Errorf("%w: %q: unknown identifier type", ErrInvalidNodeID, s)
	}
	n, err := ua.ParseNodeID(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %q: %v", ErrInvalidNodeID, s, err)
	}

	ns := n.Namespace()
	switch n.Type() {
	case ua.NodeIDTypeTwoByte, ua.NodeIDTypeFourByte, ua.NodeIDTypeNumeric:
		return NewNumericNodeID(ns, n.IntID()), nil
	case ua.NodeIDTypeString:
		return NewStringNodeID(ns, n.StringID()), nil
	case ua.NodeIDTypeGUID:
		g, err := uuid.Parse(n.StringID())
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: %q: %v", ErrInvalidNodeID, s, err)
		}
		return NewGUIDNodeID(ns, g), nil
	case ua.NodeIDTypeByteString:
		b, err := base64.StdEncoding.DecodeString(n.StringID())
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: %q: %v", ErrInvalidNodeID, s, err)
		}
		return NewOpaqueNodeID(ns, b), nil
	}
	return NodeID{}, fmt.Errorf("%w: %q: unsupported type", ErrInvalidNodeID, s)
}

// hasIdentifierType reports whether the identifier part of s, after an
// optional namespace prefix, starts with i=, s=, g= or b=. ua.ParseNodeID
// reads anything else as a string identifier.
func hasIdentifierType(s string) bool {
	if strings.HasPrefix(s, "ns=") {
		_, rest, ok := strings.Cut(s, ";")
		if !ok {
			return false
		}
		s = rest
	}
	if len(s) < 2 || s[1] != '=' {
		return false
	}
	switch s[0] {
	case 'i', 's', 'g', 'b':
		return true
	}
	return false
}

// MustParseNodeID is like ParseNodeID but panics on error.
func MustParseNodeID(s string) NodeID {
	n, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return n
}
