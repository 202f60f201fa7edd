package extract

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"01/15/2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"1/5/24", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)},
		{"12/31/45", time.Date(1945, 12, 31, 0, 0, 0, 0, time.UTC)},
		{"03/04/29", time.Date(2029, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"03/04/30", time.Date(1930, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"2024-02-29", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"25/12/2023", time.Date(2023, 12, 25, 0, 0, 0, 0, time.UTC)},
		{"15.01.2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"January 15, 2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"Jan. 15, 2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"15 March 2024", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, ok := ParseDate(tt.in)
		if !ok {
			t.Fatalf("%q: not parsed", tt.in)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("%q = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "13/45/2024", "yesterday"} {
		if _, ok := ParseDate(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"$1,234.56", "1234.56", true},
		{"USD 10", "10", true},
		{"€ 7.5", "7.5", true},
		{"$abc", "", false},
		{"1.2.3", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseAmount(tt.in)
		if ok != tt.ok {
			t.Fatalf("%q ok=%v", tt.in, ok)
		}
		if ok && got.String() != tt.want {
			t.Fatalf("%q = %s, want %s", tt.in, got, tt.want)
		}
	}
}
