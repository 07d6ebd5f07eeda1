// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "go.opentelemetry.io/perf-ingest/vc"

import (
	"runtime/debug"
	"sync"
)

var (
	// The following variables are going to be set at link time using ldflags
	// and can be referenced later in the program.

	// revision of the service
	revision = ""
	// version in vX.Y.Z{-N-abbrev} format (via git-describe --tags)
	version = ""

	fillFromBuildInfo = sync.OnceFunc(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if version == "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
		if revision != "" {
			return
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				revision = s.Value
			}
		}
	})
)

// Revision of the service. Falls back to the VCS revision recorded by the Go
// toolchain when not set at link time.
func Revision() string {
	fillFromBuildInfo()
	return revision
}

// Version in vX.Y.Z{-N-abbrev} format. Falls back to the module version when
// not set at link time.
func Version() string {
	fillFromBuildInfo()
	return version
}
