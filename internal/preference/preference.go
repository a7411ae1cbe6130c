// Package preference defines the immutable matching preferences a participant
// supplies when entering the matching pool, and the mutual compatibility rule
// the pool applies when pairing two participants.
package preference

import "fmt"

// LookingForAny matches every gender.
const LookingForAny = "any"

// Default age bounds applied when a participant supplies no age range.
const (
	DefaultAgeMin = 18
	DefaultAgeMax = 99
)

// validGenders is the set of accepted gender values.
var validGenders = map[string]bool{
	"male":   true,
	"female": true,
	"other":  true,
}

// Preferences describes what a participant is looking for. The value is
// read-only to the core: it is supplied by the external profile store at
// start_searching time and never mutated afterwards.
type Preferences struct {
	Gender     string   `json:"gender"`
	LookingFor string   `json:"looking_for"` // "any" or a gender value
	AgeMin     int      `json:"age_min"`
	AgeMax     int      `json:"age_max"`
	Language   string   `json:"language,omitempty"`
	Interests  []string `json:"interests,omitempty"`
}

// Normalize fills in the permissive defaults for absent fields: an empty
// LookingFor becomes "any" and a zero age range becomes the full range.
// It returns a copy; the receiver is never modified.
func (p Preferences) Normalize() Preferences {
	if p.LookingFor == "" {
		p.LookingFor = LookingForAny
	}
	if p.AgeMin == 0 {
		p.AgeMin = DefaultAgeMin
	}
	if p.AgeMax == 0 {
		p.AgeMax = DefaultAgeMax
	}
	return p
}

// Validate checks field values after normalization. Gender may be empty
// (the participant withheld it; they still match "any" seekers only).
func (p Preferences) Validate() error {
	if p.Gender != "" && !validGenders[p.Gender] {
		return fmt.Errorf("preference: invalid gender %q", p.Gender)
	}
	if p.LookingFor != LookingForAny && !validGenders[p.LookingFor] {
		return fmt.Errorf("preference: invalid looking_for %q", p.LookingFor)
	}
	if p.AgeMin < DefaultAgeMin {
		return fmt.Errorf("preference: age_min %d below minimum", p.AgeMin)
	}
	if p.AgeMax < p.AgeMin {
		return fmt.Errorf("preference: age_max %d below age_min %d", p.AgeMax, p.AgeMin)
	}
	return nil
}

// wants reports whether a's gender filter accepts b.
func wants(a, b Preferences) bool {
	return a.LookingFor == LookingForAny || a.LookingFor == b.Gender
}

// agesOverlap reports whether the two age ranges intersect.
func agesOverlap(a, b Preferences) bool {
	return a.AgeMin <= b.AgeMax && a.AgeMax >= b.AgeMin
}

// Compatible applies the symmetric pairing rule: each side's gender filter
// must accept the other, and the age ranges must overlap. Both arguments are
// normalized first, so zero-value preferences behave fully permissive.
func Compatible(a, b Preferences) bool {
	a, b = a.Normalize(), b.Normalize()
	return wants(a, b) && wants(b, a) && agesOverlap(a, b)
}

// SharedInterests returns the interests both participants listed, in a's
// order. Used for display only; interests never gate a pairing.
func SharedInterests(a, b Preferences) []string {
	if len(a.Interests) == 0 || len(b.Interests) == 0 {
		return nil
	}
	set := make(map[string]bool, len(b.Interests))
	for _, tag := range b.Interests {
		set[tag] = true
	}
	var shared []string
	for _, tag := range a.Interests {
		if set[tag] {
			shared = append(shared, tag)
		}
	}
	return shared
}
