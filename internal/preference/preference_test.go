package preference

import "testing"

func TestCompatible_MutualMatch(t *testing.T) {
	a := Preferences{Gender: "male", LookingFor: "female", AgeMin: 20, AgeMax: 40}
	b := Preferences{Gender: "female", LookingFor: "male", AgeMin: 25, AgeMax: 35}

	if !Compatible(a, b) {
		t.Error("expected mutual match")
	}
	if !Compatible(b, a) {
		t.Error("compatibility should be symmetric")
	}
}

func TestCompatible_OneSidedFilter(t *testing.T) {
	// A wants a female partner but C gave no gender at all, so A's filter
	// cannot accept C.
	a := Preferences{LookingFor: "female"}
	c := Preferences{Gender: "male"}

	if Compatible(a, c) {
		t.Error("expected no match when one side's filter rejects the other")
	}
}

func TestCompatible_EmptyPreferencesArePermissive(t *testing.T) {
	empty := Preferences{}
	b := Preferences{Gender: "female", LookingFor: "any", AgeMin: 18, AgeMax: 30}

	if !Compatible(empty, b) {
		t.Error("empty preferences should match anyone whose filter accepts them")
	}
}

func TestCompatible_AgeRanges(t *testing.T) {
	tests := []struct {
		name       string
		aMin, aMax int
		bMin, bMax int
		want       bool
	}{
		{"overlap", 20, 40, 25, 35, true},
		{"touching", 20, 30, 30, 40, true},
		{"disjoint", 20, 29, 30, 40, false},
		{"contained", 18, 99, 25, 26, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Preferences{AgeMin: tt.aMin, AgeMax: tt.aMax}
			b := Preferences{AgeMin: tt.bMin, AgeMax: tt.bMax}
			if got := Compatible(a, b); got != tt.want {
				t.Errorf("Compatible([%d,%d],[%d,%d]) = %v, want %v",
					tt.aMin, tt.aMax, tt.bMin, tt.bMax, got, tt.want)
			}
		})
	}
}

func TestNormalize_Defaults(t *testing.T) {
	p := Preferences{}.Normalize()

	if p.LookingFor != LookingForAny {
		t.Errorf("expected looking_for %q, got %q", LookingForAny, p.LookingFor)
	}
	if p.AgeMin != DefaultAgeMin || p.AgeMax != DefaultAgeMax {
		t.Errorf("expected full age range, got [%d,%d]", p.AgeMin, p.AgeMax)
	}
}

func TestValidate(t *testing.T) {
	valid := Preferences{Gender: "female", LookingFor: "any", AgeMin: 18, AgeMax: 30}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := (Preferences{Gender: "robot"}.Normalize()).Validate(); err == nil {
		t.Error("expected error for invalid gender")
	}
	if err := (Preferences{LookingFor: "robots"}.Normalize()).Validate(); err == nil {
		t.Error("expected error for invalid looking_for")
	}
	if err := (Preferences{AgeMin: 30, AgeMax: 20, LookingFor: "any"}).Validate(); err == nil {
		t.Error("expected error for inverted age range")
	}
}

func TestSharedInterests(t *testing.T) {
	a := Preferences{Interests: []string{"music", "travel", "food"}}
	b := Preferences{Interests: []string{"food", "music"}}

	shared := SharedInterests(a, b)
	if len(shared) != 2 || shared[0] != "music" || shared[1] != "food" {
		t.Errorf("unexpected shared interests: %v", shared)
	}

	if got := SharedInterests(a, Preferences{}); got != nil {
		t.Errorf("expected nil when one side has no interests, got %v", got)
	}
}
