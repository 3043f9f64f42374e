package capture

import "runtime/debug"

// Software is the name recorded in archives and provenance.
const Software = "scoop"

// Version is the module version from build info, or "dev" for local builds.
func Version() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "dev"
	}
	return bi.Main.Version
}

// SoftwareString is Software and Version joined the way WARC and WACZ
// metadata expect.
func SoftwareString() string {
	return Software + " " + Version()
}
