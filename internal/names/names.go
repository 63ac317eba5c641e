// Package names generates readable peer names, used when the host has no
// usable hostname.
package names

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"fmt"
	math_rand "math/rand"
	"regexp"
	"strings"

	"golang.org/x/exp/slices"
)

const Length = 2

var words = []string{
	"apollo", "aurora", "comet", "cosmos", "crater", "eclipse", "equinox", "galaxy",
	"gemini", "halo", "horizon", "kepler", "lunar", "meteor", "nebula", "nova",
	"orbit", "photon", "pulsar", "quasar", "rocket", "saturn", "solstice", "sputnik",
	"stellar", "titan", "vega", "voyager", "zenith", "zodiac",
}

var nameRegexp = regexp.MustCompile(`^[a-z]+(-[a-z]+)+-\d{2}$`)

// Generate returns a name of Length unique words followed by a two digit number.
func Generate() (string, error) {
	rng, err := random()
	if err != nil {
		return "", fmt.Errorf("creating rng: %w", err)
	}
	var picked []string
	for len(picked) != Length {
		candidate := words[rng.Intn(len(words))]
		if !slices.Contains(picked, candidate) {
			picked = append(picked, candidate)
		}
	}
	return fmt.Sprintf("%s-%02d", strings.Join(picked, "-"), rng.Intn(100)), nil
}

// Fallback returns a generated name, or def if generation fails.
func Fallback(def string) string {
	name, err := Generate()
	if err != nil {
		return def
	}
	return name
}

func IsGenerated(name string) bool {
	return nameRegexp.MatchString(name)
}

func random() (*math_rand.Rand, error) {
	var b [8]byte
	if _, err := crypto_rand.Read(b[:]); err != nil {
		return nil, err
	}
	return math_rand.New(math_rand.NewSource(int64(binary.LittleEndian.Uint64(b[:])))), nil
}
