// Package version parses and compares dotted numeric version strings.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"crguard/internal/crguard"
)

// Version is an ordered sequence of numeric components.
type Version []int

// Parse splits s on '.' and requires every component to be a non-negative
// integer. Suffixes such as "1.2-beta" or "15.1 (24B83)" are rejected rather
// than guessed at.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty version string", crguard.ErrData)
	}
	parts := strings.Split(s, ".")
	v := make(Version, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: empty component in version %q", crguard.ErrData, s)
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("%w: non-numeric component %q in version %q", crguard.ErrData, p, s)
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: component %q in version %q: %v", crguard.ErrData, p, s, err)
		}
		v = append(v, n)
	}
	return v, nil
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1. Missing trailing components count as zero, so
// 15.1 equals 15.1.0.
func Compare(a, b Version) int {
	n := max(len(a), len(b))
	for i := range n {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
		}
	}
	return 0
}

// AtLeast reports whether v >= min.
func (v Version) AtLeast(minimum Version) bool {
	return Compare(v, minimum) >= 0
}

// Major returns the first component, or 0 for an empty version.
func (v Version) Major() int {
	if len(v) == 0 {
		return 0
	}
	return v[0]
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}
