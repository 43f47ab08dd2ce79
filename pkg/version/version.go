/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package version reports the phonefleet build stamped in by the linker:
//
//	go build -ldflags "-X github.com/carverauto/phonefleet/pkg/version.version=v1.2.0 -X github.com/carverauto/phonefleet/pkg/version.buildID=abc123"
package version

//nolint:gochecknoglobals // set via ldflags
var (
	version = "dev"
	buildID = "dev"
)

// GetVersion returns the release version, "dev" for local builds.
func GetVersion() string {
	return version
}

func GetBuildID() string {
	return buildID
}

// GetFullVersion returns the version with its build id, as logged at startup
// and reported by /healthz.
func GetFullVersion() string {
	if buildID == "" || buildID == version {
		return version
	}

	return version + " (build: " + buildID + ")"
}
