package extract

import (
	"regexp"
	"strings"
	"time"
)

// pivotYear splits two-digit years: below it maps to 20xx, otherwise 19xx.
const pivotYear = 30

type dateLayout struct {
	layout    string
	shortYear bool
}

// dateLayouts are tried in order; US month-first forms win over day-first ones.
var dateLayouts = []dateLayout{
	{"1/2/2006", false},
	{"1/2/06", true},
	{"2/1/2006", false},
	{"2006-01-02", false},
	{"2006/01/02", false},
	{"1-2-2006", false},
	{"1-2-06", true},
	{"2.1.2006", false},
	{"2.1.06", true},
	{"January 2 2006", false},
	{"Jan 2 2006", false},
	{"2 January 2006", false},
	{"2 Jan 2006", false},
}

var reDateSpaces = regexp.MustCompile(`\s+`)

// ParseDate tries the fixed layout list against token and normalizes
// two-digit years around pivotYear.
func ParseDate(token string) (time.Time, bool) {
	s := strings.TrimSpace(token)
	if s == "" {
		return time.Time{}, false
	}
	if strings.IndexFunc(s, isLetter) >= 0 {
		s = strings.NewReplacer(",", " ", ".", " ").Replace(s)
		s = reDateSpaces.ReplaceAllString(strings.TrimSpace(s), " ")
	}
	for _, l := range dateLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if l.shortYear {
			t = pivot(t)
		}
		return t, true
	}
	return time.Time{}, false
}

func pivot(t time.Time) time.Time {
	yy := t.Year() % 100
	year := 1900 + yy
	if yy < pivotYear {
		year = 2000 + yy
	}
	return time.Date(year, t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
