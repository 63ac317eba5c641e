// Package semver compares dropzone versions with the version of the
// rendezvous server.
package semver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrParse        = errors.New("could not parse provided string into semantic version")
	ErrIncompatible = errors.New("incompatible versions")
)

var versionRegexp = regexp.MustCompile(`^v(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)$`)

type Comparison int

const (
	CompareEqual Comparison = iota
	CompareOldMajor
	CompareNewMajor
	CompareOldMinor
	CompareNewMinor
	CompareOldPatch
	CompareNewPatch
)

type Version struct {
	Major int
	Minor int
	Patch int
}

// Parse parses a version of the form vMAJOR.MINOR.PATCH.
func Parse(s string) (Version, error) {
	m := versionRegexp.FindStringSubmatch(s)
	if m == nil {
		return Version{}, ErrParse
	}
	var (
		ver Version
		err error
	)
	for i, dst := range []*int{&ver.Major, &ver.Minor, &ver.Patch} {
		if *dst, err = strconv.Atoi(m[i+1]); err != nil {
			return Version{}, fmt.Errorf("parsing %q: %w", m[i+1], err)
		}
	}
	return ver, nil
}

func (sv Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", sv.Major, sv.Minor, sv.Patch)
}

// Compare tells how sv relates to oracle, most significant difference first.
func (sv Version) Compare(oracle Version) Comparison {
	switch {
	case sv.Major < oracle.Major:
		return CompareOldMajor
	case sv.Major > oracle.Major:
		return CompareNewMajor
	case sv.Minor < oracle.Minor:
		return CompareOldMinor
	case sv.Minor > oracle.Minor:
		return CompareNewMinor
	case sv.Patch < oracle.Patch:
		return CompareOldPatch
	case sv.Patch > oracle.Patch:
		return CompareNewPatch
	default:
		return CompareEqual
	}
}

// Check describes how the local version relates to the version of the
// rendezvous server. Versions differing in major are incompatible. Versions
// that do not parse, such as development builds, are not checked and yield an
// empty description.
func Check(local, server string) (string, error) {
	lv, err := Parse(local)
	if err != nil {
		return "", nil
	}
	sv, err := Parse(strings.TrimSpace(server))
	if err != nil {
		return "", nil
	}
	switch lv.Compare(sv) {
	case CompareOldMajor, CompareNewMajor:
		return "", fmt.Errorf("dropzone version (%s) and server version (%s): %w", lv, sv, ErrIncompatible)
	case CompareNewMinor, CompareNewPatch:
		return fmt.Sprintf("Dropzone version (%s) newer than server version (%s)", lv, sv), nil
	case CompareOldMinor, CompareOldPatch:
		return fmt.Sprintf("Server version (%s) newer than dropzone version (%s)", sv, lv), nil
	default:
		return fmt.Sprintf("Dropzone version (%s) compatible with server version (%s)", lv, sv), nil
	}
}

// GetRendezvousVersion fetches the version served by the rendezvous server at addr.
func GetRendezvousVersion(ctx context.Context, addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(addr, "/")+"/version", nil)
	if err != nil {
		return "", err
	}
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching version from rendezvous server: %w", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching version from rendezvous server: %s", r.Status)
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding version response from rendezvous server: %w", err)
	}
	return body.Version, nil
}
