package versions

import (
	"strings"

	"github.com/coreos/go-semver/semver"
)

// Release channels in ascending order. A stable release carries no
// pre-release tag and sorts last among releases with the same core version.
type channel int

const (
	channelNightly channel = iota
	channelBeta
	channelStable
)

func channelOf(v *semver.Version) channel {
	pre := string(v.PreRelease)
	switch {
	case pre == "":
		return channelStable
	case strings.HasPrefix(pre, "nightly"):
		return channelNightly
	default:
		return channelBeta
	}
}

// Compare implements the release-ordering rule: numeric major.minor.patch
// first, then channel (nightly < beta < stable), then the usual pre-release
// ordering within a channel.
func Compare(a, b *semver.Version) int {
	switch {
	case a.Major != b.Major:
		return sign(a.Major - b.Major)
	case a.Minor != b.Minor:
		return sign(a.Minor - b.Minor)
	case a.Patch != b.Patch:
		return sign(a.Patch - b.Patch)
	}

	ca, cb := channelOf(a), channelOf(b)
	if ca != cb {
		return sign(int64(ca) - int64(cb))
	}

	return a.Compare(*b)
}

func sign(d int64) int {
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	}
	return 0
}
