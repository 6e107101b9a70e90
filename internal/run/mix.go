package run

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PersonaNames lists the personas the backend seeds, in display order.
var PersonaNames = []string{"impatient", "skeptical", "casual", "goal_oriented", "anxious"}

// ErrInvalidMix is returned for population mixes with negative or non-finite weights.
var ErrInvalidMix = errors.New("invalid population mix")

// DefaultPopulationMix returns an even split over PersonaNames.
func DefaultPopulationMix() map[string]float64 {
	mix := make(map[string]float64, len(PersonaNames))
	for _, name := range PersonaNames {
		mix[name] = 0.2
	}
	return mix
}

// ValidateMix checks that every weight is finite and non-negative.
func ValidateMix(mix map[string]float64) error {
	for _, name := range sortedKeys(mix) {
		w := mix[name]
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: weight for %q is %v", ErrInvalidMix, name, w)
		}
	}
	return nil
}

// NormalizeMix returns a copy of mix whose weights sum to 1.
//
// Persona keys are NFC-normalized, trimmed, and lower-cased so that the same
// persona typed two ways does not split its weight. An all-zero mix becomes
// uniform over its keys. An empty mix stays empty.
func NormalizeMix(mix map[string]float64) (map[string]float64, error) {
	if err := ValidateMix(mix); err != nil {
		return nil, err
	}

	merged := make(map[string]float64, len(mix))
	for _, name := range sortedKeys(mix) {
		key := PersonaKey(name)
		if key == "" {
			continue
		}
		merged[key] += mix[name]
	}
	if len(merged) == 0 {
		return merged, nil
	}

	var total float64
	for _, w := range merged {
		total += w
	}
	out := make(map[string]float64, len(merged))
	for key, w := range merged {
		if total == 0 {
			out[key] = 1 / float64(len(merged))
			continue
		}
		out[key] = w / total
	}
	return out, nil
}

// PersonaKey canonicalizes a persona name.
func PersonaKey(name string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(name)))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
