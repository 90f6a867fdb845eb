package version

import "runtime"

// Set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	Package = "source"
)

var (
	Arch = runtime.GOARCH
	OS   = runtime.GOOS
)
