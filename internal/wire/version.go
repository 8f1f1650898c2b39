package wire

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// ProtocolVersion is the frame protocol spoken by this build.
const ProtocolVersion = "v1.1.0"

// Compatible reports whether a peer speaking version can talk to us: the
// major versions must match.
func Compatible(version string) error {
	if !semver.IsValid(version) {
		return fmt.Errorf("invalid protocol version %q", version)
	}
	if semver.Major(version) != semver.Major(ProtocolVersion) {
		return fmt.Errorf("protocol %s is incompatible with %s", version, ProtocolVersion)
	}
	return nil
}
