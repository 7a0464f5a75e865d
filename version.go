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

import "fmt"

// Version information for the subscription engine.
const (
	// Version is the current engine version.
	Version = "0.4.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 4

	// VersionPatch is the patch version number.
	VersionPatch = 0

	// ProductURI identifies the engine in audit records and tokens.
	ProductURI = "urn:edgeo:opcua-engine"
)

// VersionInfo contains detailed version information.
type VersionInfo struct {
	Version    string
	Major      int
	Minor      int
	Patch      int
	ProductURI string
}

// String returns "<product uri>/<version>".
func (v VersionInfo) String() string {
	return fmt.Sprintf("%s/%s", v.ProductURI, v.Version)
}

// GetVersion returns the current version information.
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:    Version,
		Major:      VersionMajor,
		Minor:      VersionMinor,
		Patch:      VersionPatch,
		ProductURI: ProductURI,
	}
}
