package version

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/carlmjohnson/versioninfo"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

// Release is the application version written into every archive manifest.
// Overridden at build time with -ldflags "-X .../pkg/version.Release=x.y.z".
var Release = "1.0.0"

// releaseFile lets packaged installs pin the version without a rebuild.
var releaseFile = "/opt/versioning/ledgerbox"

type LedgerboxVersionInfoGit struct {
	Commit string `json:"commit"`
	Dirty  bool   `json:"dirty"`
}

type LedgerboxVersionInfo struct {
	Release string                  `json:"release"`
	Major   uint64                  `json:"major"`
	Git     LedgerboxVersionInfoGit `json:"git"`
}

func GetRelease() *LedgerboxVersionInfo {
	release := AppVersion()
	info := &LedgerboxVersionInfo{
		Release: release,
		Git: LedgerboxVersionInfoGit{
			Commit: versioninfo.Revision,
			Dirty:  versioninfo.DirtyBuild,
		},
	}
	if v, err := semver.NewVersion(release); err == nil {
		info.Major = v.Major()
	}
	return info
}

// AppVersion is the running application's major.minor.patch version.
func AppVersion() string {
	if data, err := os.ReadFile(releaseFile); err == nil {
		if release := strings.TrimSpace(string(data)); release != "" {
			return release
		}
	}
	return Release
}

// CheckCompatible accepts an archive whose formatVersion shares the major
// component of appVersion.
func CheckCompatible(formatVersion string, appVersion string) error {
	archived, err := semver.NewVersion(formatVersion)
	if err != nil {
		return fmt.Errorf("%w: unparseable backup version %q", ledgerbox.ErrVersionIncompatible, formatVersion)
	}
	running, err := semver.NewVersion(appVersion)
	if err != nil {
		return fmt.Errorf("invalid application version %q: %w", appVersion, err)
	}
	if archived.Major() != running.Major() {
		return fmt.Errorf("%w: backup is version %s, this app is %s", ledgerbox.ErrVersionIncompatible, archived, running)
	}
	return nil
}
