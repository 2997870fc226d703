package internal

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Build details, set with -ldflags "-X github.com/infrahq/lockbox/internal.Version=..."
var (
	Version    = "0.1.0"
	Prerelease = ""
	Metadata   = "dev"
	Commit     = ""
	Date       = ""
)

// Build describes the running binary.
type Build struct {
	Version string
	Commit  string
	Date    string
}

func CurrentBuild() Build {
	return Build{
		Version: FullVersion(),
		Commit:  Commit,
		Date:    Date,
	}
}

// FullVersion returns the semver version of this build. A dev build reports
// the patch after Version, so it sorts after the release it was built from.
func FullVersion() string {
	base, err := semver.NewVersion(Version)
	if err != nil {
		panic(fmt.Sprintf("invalid version %q: %v", Version, err))
	}

	v := *base
	if Metadata == "dev" {
		v = base.IncPatch()
	}

	if v, err = v.SetPrerelease(Prerelease); err != nil {
		panic(fmt.Sprintf("invalid prerelease %q: %v", Prerelease, err))
	}

	if v, err = v.SetMetadata(Metadata); err != nil {
		panic(fmt.Sprintf("invalid metadata %q: %v", Metadata, err))
	}

	return v.String()
}
