package storage

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// Validate reports whether the filter matches the given component. Matching
// is recursive and depth-first: the component's name must equal the filter's
// (case-insensitive), an optional time range must overlap the component's
// span, and the child comp-filters and prop-filters must hold under the
// filter's test mode.
func (f *Filter) Validate(comp *ical.Component) bool {
	if comp == nil {
		return f.IsNotDefined
	}
	nameMatches := strings.EqualFold(comp.Name, f.Component)
	if f.IsNotDefined {
		return !nameMatches
	}
	if !nameMatches {
		return false
	}
	if f.TimeRange != nil && !f.TimeRange.overlaps(comp) {
		return false
	}
	results := make([]bool, 0, len(f.Children)+len(f.PropFilters))
	for i := range f.Children {
		results = append(results, f.Children[i].matchesChildOf(comp))
	}
	for i := range f.PropFilters {
		results = append(results, f.PropFilters[i].matches(comp))
	}
	return combine(f.Test, results)
}

// matchesChildOf evaluates a nested comp-filter against the children of the
// parent component. An is-not-defined filter matches only when no child
// carries the filter's name.
func (f *Filter) matchesChildOf(parent *ical.Component) bool {
	if f.IsNotDefined {
		for _, child := range parent.Children {
			if strings.EqualFold(child.Name, f.Component) {
				return false
			}
		}
		return true
	}
	for _, child := range parent.Children {
		if strings.EqualFold(child.Name, f.Component) && f.Validate(child) {
			return true
		}
	}
	return false
}

// matches reports whether the prop-filter holds for the component. The named
// property must be present (inverted by is-not-defined), and at least one
// instance of it must satisfy the text match and param filters.
func (pf *PropFilter) matches(comp *ical.Component) bool {
	props := comp.Props[strings.ToUpper(pf.Name)]
	if pf.IsNotDefined {
		return len(props) == 0
	}
	if len(props) == 0 {
		return false
	}
	for i := range props {
		if pf.TextMatch != nil && !validateTextMatch(props[i].Value, pf.TextMatch) {
			continue
		}
		if len(pf.ParamFilters) > 0 {
			results := make([]bool, 0, len(pf.ParamFilters))
			for j := range pf.ParamFilters {
				results = append(results, pf.ParamFilters[j].matches(&props[i]))
			}
			if !combine(pf.Test, results) {
				continue
			}
		}
		return true
	}
	return false
}

// matches reports whether the param-filter holds for one property instance.
func (pa *ParamFilter) matches(prop *ical.Prop) bool {
	values := prop.Params[strings.ToUpper(pa.Name)]
	if pa.IsNotDefined {
		return len(values) == 0
	}
	if len(values) == 0 {
		return false
	}
	if pa.TextMatch == nil {
		return true
	}
	for _, v := range values {
		if validateTextMatch(v, pa.TextMatch) {
			return true
		}
	}
	return false
}

// validateTextMatch applies a text-match constraint to a value. The default
// match type is "contains"; matching is case-sensitive unless a casemap
// collation is requested.
func validateTextMatch(value string, tm *TextMatch) bool {
	target, needle := value, tm.Value
	switch tm.Collation {
	case "i;unicode-casemap", "i;ascii-casemap":
		target = strings.ToLower(target)
		needle = strings.ToLower(needle)
	}
	var ok bool
	switch tm.MatchType {
	case "equals":
		ok = target == needle
	case "starts-with":
		ok = strings.HasPrefix(target, needle)
	case "ends-with":
		ok = strings.HasSuffix(target, needle)
	default:
		ok = strings.Contains(target, needle)
	}
	if tm.Negate {
		ok = !ok
	}
	return ok
}

// overlaps reports whether the component's time span intersects the range.
// Components are spanned by DTSTART/DTEND, DTSTART+DURATION, DUE, or a
// start-only instant; a component without temporal properties never matches.
// The range is half-open [start, end): the start bound is inclusive, the end
// bound exclusive, so adjacent ranges never match the same boundary instant.
func (tr *TimeRange) overlaps(comp *ical.Component) bool {
	start, end := componentSpan(comp)
	s, ok := start.Get()
	if !ok {
		return false
	}
	e := end.OrElse(s)
	if tr.Start != nil && e.Before(*tr.Start) {
		return false
	}
	if tr.End != nil && !s.Before(*tr.End) {
		return false
	}
	return true
}

// componentSpan resolves the effective start and end of a component.
func componentSpan(comp *ical.Component) (start, end mo.Option[time.Time]) {
	if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
		if t, err := prop.DateTime(nil); err == nil {
			start = mo.Some(t)
		}
	}
	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		if t, err := prop.DateTime(nil); err == nil {
			end = mo.Some(t)
		}
	}
	if due := comp.Props.Get(ical.PropDue); due != nil {
		if t, err := due.DateTime(nil); err == nil {
			if start.IsAbsent() {
				start = mo.Some(t)
			}
			if end.IsAbsent() {
				end = mo.Some(t)
			}
		}
	}
	if end.IsAbsent() && start.IsPresent() {
		if prop := comp.Props.Get(ical.PropDuration); prop != nil {
			if d, err := prop.Duration(); err == nil {
				end = mo.Some(start.MustGet().Add(d))
			}
		}
	}
	return start, end
}

// combine folds sub-results under a test mode; "allof" is the default. An
// empty result set matches.
func combine(test string, results []bool) bool {
	if test == "anyof" {
		if len(results) == 0 {
			return true
		}
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}
