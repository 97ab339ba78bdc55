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
		{"0012", 99, 12},
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
		limit, page         string
		wantLimit, wantPage int
	}{
		{"", "", 100, 1},
		{"50", "3", 50, 3},
		{"0", "0", 100, 1},
		{"-5", "-2", 100, 1},
		{"5000", "2", 1000, 2},
		{"abc", "x", 100, 1},
	}
	for _, tc := range cases {
		l, p := PageParams(tc.limit, tc.page, 100, 1000)
		if l != tc.wantLimit || p != tc.wantPage {
			t.Fatalf("PageParams(%q,%q) = %d,%d; want %d,%d", tc.limit, tc.page, l, p, tc.wantLimit, tc.wantPage)
		}
	}
	if l, _ := PageParams("5000", "", 100, 0); l != 5000 {
		t.Fatalf("maxLimit 0 should not cap, got %d", l)
	}
}
