package internal

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestFullVersion(t *testing.T) {
	orig := []string{Version, Prerelease, Metadata}
	t.Cleanup(func() {
		Version, Prerelease, Metadata = orig[0], orig[1], orig[2]
	})

	cases := []struct {
		version    string
		prerelease string
		metadata   string
		expected   string
	}{
		{version: "0.1.0", expected: "0.1.0"},
		{version: "0.1.0", metadata: "dev", expected: "0.1.1+dev"},
		{version: "0.1.0", prerelease: "rc.1", expected: "0.1.0-rc.1"},
		{version: "0.1.0", prerelease: "beta", metadata: "dev", expected: "0.1.1-beta+dev"},
		{version: "1.4.2", metadata: "abc123", expected: "1.4.2+abc123"},
	}

	for _, c := range cases {
		t.Run(c.expected, func(t *testing.T) {
			Version = c.version
			Prerelease = c.prerelease
			Metadata = c.metadata
			assert.Equal(t, FullVersion(), c.expected)
		})
	}
}

func TestCurrentBuild(t *testing.T) {
	orig := []string{Version, Prerelease, Metadata, Commit, Date}
	t.Cleanup(func() {
		Version, Prerelease, Metadata, Commit, Date = orig[0], orig[1], orig[2], orig[3], orig[4]
	})

	Version, Prerelease, Metadata = "2.0.0", "", ""
	Commit, Date = "1f2e3d4", "2026-01-02T03:04:05Z"

	assert.DeepEqual(t, CurrentBuild(), Build{
		Version: "2.0.0",
		Commit:  "1f2e3d4",
		Date:    "2026-01-02T03:04:05Z",
	})
}
