// Package buildinfo reports the version the relay binary was built from.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

const repo = "https://github.com/coder/aisrelay"

var (
	buildInfo      *debug.BuildInfo
	buildInfoValid bool
	readBuildInfo  sync.Once

	version     string
	readVersion sync.Once

	// Injected with ldflags at build!
	tag string
)

// Version returns the semantic version of the build.
func Version() string {
	readVersion.Do(func() {
		revision, valid := revision()
		if valid && len(revision) >= 7 {
			revision = "+" + revision[:7]
		} else {
			revision = ""
		}
		if tag == "" {
			version = "v0.0.0-devel" + revision
			return
		}
		t := strings.TrimPrefix(tag, "v")
		if semver.Build("v"+t) == "" {
			t += revision
		}
		version = "v" + t
	})
	return version
}

// IsDev returns true if this is a development build.
func IsDev() bool {
	return strings.HasPrefix(Version(), "v0.0.0-devel")
}

// VersionsMatch reports whether two versions share a major and minor
// version. Development builds match everything.
func VersionsMatch(v1, v2 string) bool {
	if strings.HasPrefix(v1, "v0.0.0-devel") || strings.HasPrefix(v2, "v0.0.0-devel") {
		return true
	}
	return semver.MajorMinor(v1) == semver.MajorMinor(v2)
}

// ExternalURL links to the release or commit of the build.
func ExternalURL() string {
	revision, valid := revision()
	if !valid {
		return repo
	}
	return fmt.Sprintf("%s/commit/%s", repo, revision)
}

// Time returns when the Git revision was published.
func Time() (time.Time, bool) {
	value, valid := find("vcs.time")
	if !valid {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func revision() (string, bool) {
	return find("vcs.revision")
}

func find(key string) (string, bool) {
	readBuildInfo.Do(func() {
		buildInfo, buildInfoValid = debug.ReadBuildInfo()
	})
	if !buildInfoValid {
		return "", false
	}
	for _, setting := range buildInfo.Settings {
		if setting.Key == key {
			return setting.Value, true
		}
	}
	return "", false
}
