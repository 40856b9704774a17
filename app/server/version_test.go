package server

import "testing"

func TestCompareVersion(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0", 0},
		{"0.9.9", "1.0.0", -1},
		{"1.2.0", "1.1.9", 1},
		{"1.10.0", "1.9.0", 1},
		{"2.0", "1.9.9", 1},
	}

	for _, c := range cases {
		if got := CompareVersion(c.a, c.b); got != c.want {
			t.Errorf("CompareVersion(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
