package storage

import "time"

// TextMatch describes a <text-match> constraint.
type TextMatch struct {
	Collation string // "i;unicode-casemap", "i;octet", …
	MatchType string // "equals", "contains", "starts-with", "ends-with"
	Negate    bool   // true if negate-condition="yes"
	Value     string // text to match
}

// ParamFilter describes a <param-filter> inside a prop-filter.
type ParamFilter struct {
	Name         string     // e.g. "LANGUAGE", "PARTSTAT"
	IsNotDefined bool       // <is-not-defined/>
	TextMatch    *TextMatch // optional
}

// PropFilter describes a <prop-filter> inside a comp-filter.
type PropFilter struct {
	Name         string        // e.g. "SUMMARY", "UID"
	IsNotDefined bool          // <is-not-defined/>
	TextMatch    *TextMatch    // optional
	ParamFilters []ParamFilter // zero or more <param-filter>
	Test         string        // "anyof" or "allof" (default)
}

// TimeRange describes a <time-range> in a comp-filter. Either bound may be
// open: a nil Start means unbounded past, a nil End unbounded future.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Filter is the one-and-only query node type. It represents a comp-filter
// with its optional time-range, property constraints and nested comp-filters.
// The top-level filter always targets the root VCALENDAR component; a filter
// with no children and no constraints matches purely on name and presence.
type Filter struct {
	Component    string       // component name, e.g. "VCALENDAR", "VEVENT"
	IsNotDefined bool         // <is-not-defined/>
	TimeRange    *TimeRange   // optional <time-range>
	PropFilters  []PropFilter // zero or more <prop-filter>
	Children     []Filter     // nested <comp-filter>
	Test         string       // "anyof" or "allof" (default)
}
