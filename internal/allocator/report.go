package allocator

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ReportFormatVersion is the semantic version of DiagnosticReport's
// shape. Bump the minor version when adding fields a consumer can
// safely ignore, the major version when removing or repurposing one.
const ReportFormatVersion = "1.0.0"

// DiagnosticReport is a versioned snapshot of an arena's block chain,
// suitable for serializing (e.g. to JSON) and handing to a separate
// process or a later run of this binary.
type DiagnosticReport struct {
	FormatVersion string      `json:"format_version"`
	Policy        string      `json:"policy"`
	Capacity      uintptr     `json:"capacity"`
	Blocks        []BlockInfo `json:"blocks"`
}

// DiagnosticReport builds a DiagnosticReport from the arena's current
// Walk.
func (a *FixedArena) DiagnosticReport() DiagnosticReport {
	a.ready("DiagnosticReport")

	a.mu.Lock()
	policy := a.policy
	capacity := a.capacity
	a.mu.Unlock()

	return DiagnosticReport{
		FormatVersion: ReportFormatVersion,
		Policy:        policy.String(),
		Capacity:      capacity,
		Blocks:        a.Walk(),
	}
}

// CompatibleReportVersion reports whether a report stamped with version
// can be understood by a reader built against ReportFormatVersion: it
// must have the same major version and be no older than
// ReportFormatVersion (a caret constraint on ReportFormatVersion).
func CompatibleReportVersion(version string) (bool, error) {
	reported, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("parsing report format version %q: %w", version, err)
	}

	constraint, err := semver.NewConstraint(fmt.Sprintf("^%s", ReportFormatVersion))
	if err != nil {
		return false, fmt.Errorf("parsing running format version %q: %w", ReportFormatVersion, err)
	}

	return constraint.Check(reported), nil
}
