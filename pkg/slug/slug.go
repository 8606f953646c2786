// Package slug generates the opaque identifiers a batch run provisions and
// turns them into redirect target URLs.
package slug

import (
	"github.com/google/uuid"
)

// Generate returns n random UUIDv4 identifiers in canonical text form.
// The order of the returned slice is the submission order. n <= 0 yields an
// empty slice.
func Generate(n int) []string {
	if n <= 0 {
		return []string{}
	}

	ids := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(ids) < n {
		id := uuid.NewString()
		// A collision is astronomically unlikely, but distinctness is promised.
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Template builds the target URL encoded into each QR code.
type Template struct {
	Prefix string
	Suffix string
}

// URL returns Prefix + id + Suffix. No escaping is applied.
func (t Template) URL(id string) string {
	return t.Prefix + id + t.Suffix
}
