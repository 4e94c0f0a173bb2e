/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package libinfo

import (
	"debug/buildinfo"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const libShortName = "go-resilience"

const moduleName = "github.com/acronis/" + libShortName

// PrometheusLibVersionLabel is a label to expose the version of the library in Prometheus metrics.
const PrometheusLibVersionLabel = "go_resilience_version"

// AddPrometheusLibVersionLabel returns a copy of the passed labels with the library version label added.
func AddPrometheusLibVersionLabel(labels prometheus.Labels) prometheus.Labels {
	labelsCopy := make(prometheus.Labels, len(labels)+1)
	for k, v := range labels {
		labelsCopy[k] = v
	}
	labelsCopy[PrometheusLibVersionLabel] = GetLibVersion()
	return labelsCopy
}

var libVersion string
var libVersionOnce sync.Once

// GetLibVersion returns the version of the library from the build info of the binary
// or "v0.0.0" if the library is not listed there (e.g. in the library's own tests).
func GetLibVersion() string {
	libVersionOnce.Do(initLibVersion)
	return libVersion
}

func initLibVersion() {
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		libVersion = extractLibVersion(buildInfo, moduleName)
	}
	if libVersion == "" {
		libVersion = "v0.0.0"
	}
}

func extractLibVersion(buildInfo *buildinfo.BuildInfo, modName string) string {
	if buildInfo == nil {
		return ""
	}
	for _, dep := range buildInfo.Deps {
		if isModulePath(dep.Path, modName) {
			return dep.Version
		}
	}
	return ""
}

// isModulePath reports whether path is modName itself or modName with a major version
// suffix ("/v2", "/v3", ...) that Go modules append on major version changes.
func isModulePath(path, modName string) bool {
	if path == modName {
		return true
	}
	rest, ok := strings.CutPrefix(path, modName+"/v")
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
