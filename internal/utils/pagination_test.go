package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"x", 5, 5},
		{" 42", 7, 7},
		{"999999999999999999999999", -1, -1},
	}
	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestPageParams(t *testing.T) {
	cases := []struct {
		page, size   string
		wantP, wantS int
	}{
		{"", "", 1, 20},
		{"3", "10", 3, 10},
		{"0", "-5", 1, 20},
		{"abc", "500", 1, 100},
	}
	for _, tc := range cases {
		p, s := PageParams(tc.page, tc.size, 20, 100)
		if p != tc.wantP || s != tc.wantS {
			t.Fatalf("PageParams(%q, %q) = (%d, %d); want (%d, %d)", tc.page, tc.size, p, s, tc.wantP, tc.wantS)
		}
	}
}
