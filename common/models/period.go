package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod is returned when an upper bound precedes the lower bound
var ErrInvalidPeriod = errors.New("invalid period")

// Period is the half-open validity range [ValidFrom, ValidTo) of a snapshot.
// A nil ValidTo means the period is still open.
// Periods are values: closing one builds a new Period with WithUpper.
type Period struct {
	ValidFrom time.Time  `db:"valid_from" json:"valid_from"`
	ValidTo   *time.Time `db:"valid_to" json:"valid_to"`
}

// OpenPeriod returns a period starting at from with no upper bound
func OpenPeriod(from time.Time) Period {
	return Period{ValidFrom: from}
}

// WithUpper returns a copy of p bounded above by bound
func (p Period) WithUpper(bound time.Time) (Period, error) {
	if bound.Before(p.ValidFrom) {
		return Period{}, fmt.Errorf("%w: upper bound %s before %s",
			ErrInvalidPeriod, bound.Format(time.RFC3339Nano), p.ValidFrom.Format(time.RFC3339Nano))
	}
	upper := bound
	return Period{ValidFrom: p.ValidFrom, ValidTo: &upper}, nil
}

// IsOpen reports whether the period has no upper bound
func (p Period) IsOpen() bool {
	return p.ValidTo == nil
}

// Contains reports whether t falls inside [ValidFrom, ValidTo)
func (p Period) Contains(t time.Time) bool {
	if t.Before(p.ValidFrom) {
		return false
	}
	return p.ValidTo == nil || t.Before(*p.ValidTo)
}

// Empty reports whether the period is closed on its own lower bound
func (p Period) Empty() bool {
	return p.ValidTo != nil && !p.ValidTo.After(p.ValidFrom)
}

// Overlaps reports whether two periods share at least one instant.
// Empty periods overlap nothing, like Postgres ranges.
func (p Period) Overlaps(other Period) bool {
	if p.Empty() || other.Empty() {
		return false
	}
	if p.ValidTo != nil && !p.ValidTo.After(other.ValidFrom) {
		return false
	}
	if other.ValidTo != nil && !other.ValidTo.After(p.ValidFrom) {
		return false
	}
	return true
}
