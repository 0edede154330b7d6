// Package version holds the module version and packet compatibility checks.
package version

import (
	"github.com/Masterminds/semver/v3"
)

// Version is the application version recorded in persisted packets and
// surfaced by the replay harness.
const Version = "1.2.0"

// Compatible reports whether a packet recorded under the given app version
// can be replayed by this build. Compatibility is semver-major equality;
// an empty or unparseable recorded version is treated as incompatible.
func Compatible(recorded string) bool {
	if recorded == "" {
		return false
	}
	rec, err := semver.NewVersion(recorded)
	if err != nil {
		return false
	}
	cur, err := semver.NewVersion(Version)
	if err != nil {
		return false
	}
	return rec.Major() == cur.Major()
}
