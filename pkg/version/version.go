package version

import "runtime"

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String is the banner printed by -v.
func String(binary string) string {
	return binary + " " + Build + " (" + runtime.Version() + ")"
}
