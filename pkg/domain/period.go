package domain

import (
	"fmt"
	"time"

	dErrors "rxledger/pkg/domain-errors"
)

// Period is a calendar month used for balance closing and report generation.
// All boundaries are UTC; the range is half-open: [Start, End).
type Period struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// NewPeriod validates and builds a Period.
func NewPeriod(year int, month time.Month) (Period, error) {
	p := Period{Year: year, Month: month}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// PeriodOf returns the period containing t (converted to UTC).
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses the "YYYY-MM" form produced by String.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, dErrors.Newf(dErrors.CodeValidation, "invalid period %q", s)
	}
	return PeriodOf(t), nil
}

func (p Period) Validate() error {
	if p.Month < time.January || p.Month > time.December {
		return dErrors.Newf(dErrors.CodeValidation, "invalid month %d", int(p.Month))
	}
	if p.Year < 1900 || p.Year > 9999 {
		return dErrors.Newf(dErrors.CodeValidation, "invalid year %d", p.Year)
	}
	return nil
}

// Start is the first instant of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant after the period (exclusive bound).
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) Next() Period {
	return PeriodOf(p.End())
}

func (p Period) Prev() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

// Contains reports whether t falls inside [Start, End).
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start()) && t.Before(p.End())
}

// Before reports whether p precedes other.
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

// DayOfFollowingMonth returns midnight UTC of the given day in the month after p,
// clamped to that month's last day. Deadlines are expressed this way.
func (p Period) DayOfFollowingMonth(day int) time.Time {
	next := p.Next()
	last := next.End().AddDate(0, 0, -1).Day()
	if day < 1 {
		day = 1
	}
	if day > last {
		day = last
	}
	return time.Date(next.Year, next.Month, day, 0, 0, 0, 0, time.UTC)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
