package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain-id", "plain-id"},
		{"evil\ninjected line", "evil injected line"},
		{"tabs\tand\rreturns", "tabs and returns"},
		{"bell\x07char", "bellchar"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SanitizeForLog(tc.in); got != tc.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
