// Copyright (c) 2024-2026 The privgate developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version provides the application version string.
package version

import "fmt"

const (
	appMajor uint = 0
	appMinor uint = 2
	appPatch uint = 0

	// appPreRelease should be empty for releases.
	appPreRelease = "pre"
)

// String returns the application version as a properly formed string.
func String() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		v += "-" + appPreRelease
	}
	return v
}
