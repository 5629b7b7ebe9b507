package booking

import (
	"regexp"
	"strconv"
	"strings"
)

// optionRE accepts "3", "option 3", "#3", "number 3" and "choice 3".
var optionRE = regexp.MustCompile(`^(?:(?:option|number|choice)\s*|#\s*)?(\d+)$`)

// selectionIndex returns the 1-based index named by selection, or 0 when the
// selection is not purely an index.
func selectionIndex(selection string) int {
	m := optionRE.FindStringSubmatch(strings.ToLower(strings.TrimSpace(selection)))
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// normalizeTime lowercases and strips spaces and periods, so "2:30 P.M."
// and "2:30pm" compare equal.
func normalizeTime(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer(" ", "", ".", "").Replace(s)
}

// ResolveSlot maps a caller's selection onto an offered slot. A numeric
// selection is a 1-based index; anything else must appear within the slot's
// 24h time or its spoken label. The first matching slot wins.
func ResolveSlot(selection string, slots []Slot) (Slot, bool) {
	if len(slots) == 0 || strings.TrimSpace(selection) == "" {
		return Slot{}, false
	}
	if n := selectionIndex(selection); n > 0 {
		for _, s := range slots {
			if s.Index == n {
				return s, true
			}
		}
		return Slot{}, false
	}
	if strings.Trim(selection, "0123456789 #") == "" {
		return Slot{}, false
	}

	want := normalizeTime(selection)
	if want == "" {
		return Slot{}, false
	}
	for _, s := range slots {
		if strings.Contains(normalizeTime(s.TimeOfDay), want) || strings.Contains(normalizeTime(s.Label), want) {
			return s, true
		}
	}
	return Slot{}, false
}

// normalizeName lowercases, drops honorifics and punctuation.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range []string{"doctor ", "dr. ", "dr "} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.NewReplacer(".", "", ",", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// ResolvePhysician maps a selection onto a disambiguation candidate, by
// index or by name. An exact name match beats a partial one; otherwise the
// first candidate whose name contains the selection wins.
func ResolvePhysician(selection string, candidates []PhysicianCandidate) (PhysicianCandidate, bool) {
	if len(candidates) == 0 || strings.TrimSpace(selection) == "" {
		return PhysicianCandidate{}, false
	}
	if n := selectionIndex(selection); n > 0 {
		for _, c := range candidates {
			if c.Index == n {
				return c, true
			}
		}
		return PhysicianCandidate{}, false
	}

	want := normalizeName(selection)
	if want == "" {
		return PhysicianCandidate{}, false
	}
	for _, c := range candidates {
		if normalizeName(c.Name) == want {
			return c, true
		}
	}
	for _, c := range candidates {
		if strings.Contains(normalizeName(c.Name), want) {
			return c, true
		}
	}
	return PhysicianCandidate{}, false
}
