package version

import "testing"

func TestCompatible(t *testing.T) {
	cases := []struct {
		recorded string
		want     bool
	}{
		{"1.0.0", true},
		{"1.9.3", true},
		{"2.0.0", false},
		{"0.9.0", false},
		{"", false},
		{"not-a-version", false},
	}
	for _, tc := range cases {
		if got := Compatible(tc.recorded); got != tc.want {
			t.Errorf("Compatible(%q) = %v, want %v", tc.recorded, got, tc.want)
		}
	}
}
