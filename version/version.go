// Package version reports the module version from embedded build metadata.
package version

import "runtime/debug"

const modulePath = "github.com/pomodex/pomodex"

// Version returns the module version. Local source builds report "dev".
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Path == modulePath {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
		return "dev"
	}

	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version + " (replaced)"
		}
		return dep.Version
	}

	return "unknown"
}

// GoVersion returns the Go toolchain the binary was built with.
func GoVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}
