// Package version reports the rcbackup build version.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g.
//
//	-X github.com/tis24dev/rcbackup/internal/version.Version=v1.4.0
//	-X github.com/tis24dev/rcbackup/internal/version.Commit=abcdef1
//	-X github.com/tis24dev/rcbackup/internal/version.Date=2026-01-01T00:00:00Z
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

const devVersion = "0.0.0-dev"

var readBuildInfo = debug.ReadBuildInfo

// String returns the injected version, else the main module version from
// the build info, else a development placeholder. A leading "v" is dropped.
func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		v = devVersion
	}
	return strings.TrimPrefix(v, "v")
}

// Details is the multi-line text printed by "rcbackup version".
func Details() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rcbackup %s\n", String())
	if c := strings.TrimSpace(Commit); c != "" {
		fmt.Fprintf(&b, "commit:  %s\n", c)
	}
	if d := strings.TrimSpace(Date); d != "" {
		fmt.Fprintf(&b, "built:   %s\n", d)
	}
	fmt.Fprintf(&b, "go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return b.String()
}
