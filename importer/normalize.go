package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// NormalizeText trims and collapses internal whitespace. Natural keys are compared
// on the normalized form so "Lab  1" and "Lab 1 " resolve to the same activity.
func NormalizeText(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

func normalizedPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := NormalizeText(*v)
	if s == "" {
		return nil
	}
	return &s
}

func NormalizeUnitCode(v string) string {
	return strings.ToUpper(strings.ReplaceAll(NormalizeText(v), " ", ""))
}

// NormalizeActivityType folds the spellings timetabling exports use into one label.
// Unknown types are kept as typed (normalized) so nothing is silently merged.
func NormalizeActivityType(v string) string {
	s := NormalizeText(v)
	switch strings.ToLower(s) {
	case "lec", "lect", "lecture":
		return "Lecture"
	case "tut", "tute", "tutorial":
		return "Tutorial"
	case "lab", "laboratory", "prac", "practical":
		return "Laboratory"
	case "wks", "workshop":
		return "Workshop"
	case "sem", "seminar":
		return "Seminar"
	default:
		return s
	}
}

// HashRows fingerprints an upload so identical re-uploads can be detected.
func HashRows(rows []RawRow) string {
	h := sha256.New()
	for _, r := range rows {
		for _, v := range r.fields() {
			if v != nil {
				h.Write([]byte(*v))
			}
			h.Write([]byte{0x1f})
		}
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"Mon 2 Jan 2006",
	time.RFC3339,
}

// ParseSessionDate accepts the ISO form plus the day-first forms spreadsheets export.
func ParseSessionDate(s string) (datatypes.Date, error) {
	s = NormalizeText(s)
	if s == "" {
		return datatypes.Date{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if tm, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			y, m, d := tm.Date()
			return datatypes.Date(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)), nil
		}
	}
	return datatypes.Date{}, fmt.Errorf("unsupported date format: %q", s)
}

var timeLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04PM",
	"3:04 PM",
	"3PM",
	"3 PM",
	"1504",
}

// ParseSessionTime returns nil for an empty cell; start/end times are optional.
func ParseSessionTime(s string) (*datatypes.Time, error) {
	s = strings.ToUpper(NormalizeText(s))
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			t := datatypes.NewTime(tm.Hour(), tm.Minute(), tm.Second(), 0)
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unsupported time format: %q", s)
}

func ParseHours(s string) (decimal.NullDecimal, error) {
	s = NormalizeText(s)
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, errors.Wrapf(err, "invalid hours %q", s)
	}
	if d.IsNegative() {
		return decimal.NullDecimal{}, fmt.Errorf("negative hours %q", s)
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}
