// Package calendarquery parses CalDAV calendar-query filter XML into the
// storage filter tree.
package calendarquery

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/calpod/calstore/storage"
)

const timeRangeLayout = "20060102T150405Z"

// ParseDocument parses a full calendar-query request body and returns its
// filter tree, or nil when the request carries no filter.
func ParseDocument(body []byte) (*storage.Filter, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse calendar-query body: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("parse calendar-query body: empty document")
	}
	return ParseFilterElement(firstChildNamed(root, "filter"))
}

// ParseFilterElement parses a <filter> element into a Filter tree. A nil or
// empty element yields a nil filter, which matches everything.
func ParseFilterElement(filterElem *etree.Element) (*storage.Filter, error) {
	if filterElem == nil {
		return nil, nil
	}
	compFilters := childrenNamed(filterElem, "comp-filter")
	if len(compFilters) == 0 {
		return nil, nil
	}
	// The filter element carries exactly one top-level comp-filter, which
	// targets the root VCALENDAR.
	return parseCompFilter(compFilters[0]), nil
}

func parseCompFilter(elem *etree.Element) *storage.Filter {
	filter := &storage.Filter{
		Component: elem.SelectAttrValue("name", ""),
		Test:      elem.SelectAttrValue("test", ""),
	}

	// is-not-defined excludes every other child
	if firstChildNamed(elem, "is-not-defined") != nil {
		filter.IsNotDefined = true
		return filter
	}

	if timeRangeElem := firstChildNamed(elem, "time-range"); timeRangeElem != nil {
		filter.TimeRange = parseTimeRange(timeRangeElem)
	}
	for _, propFilterElem := range childrenNamed(elem, "prop-filter") {
		filter.PropFilters = append(filter.PropFilters, parsePropFilter(propFilterElem))
	}
	for _, nested := range childrenNamed(elem, "comp-filter") {
		filter.Children = append(filter.Children, *parseCompFilter(nested))
	}
	return filter
}

func parsePropFilter(elem *etree.Element) storage.PropFilter {
	propFilter := storage.PropFilter{
		Name: elem.SelectAttrValue("name", ""),
		Test: elem.SelectAttrValue("test", ""),
	}
	if firstChildNamed(elem, "is-not-defined") != nil {
		propFilter.IsNotDefined = true
		return propFilter
	}
	if textMatchElem := firstChildNamed(elem, "text-match"); textMatchElem != nil {
		propFilter.TextMatch = parseTextMatch(textMatchElem)
	}
	for _, paramFilterElem := range childrenNamed(elem, "param-filter") {
		propFilter.ParamFilters = append(propFilter.ParamFilters, parseParamFilter(paramFilterElem))
	}
	return propFilter
}

func parseParamFilter(elem *etree.Element) storage.ParamFilter {
	paramFilter := storage.ParamFilter{
		Name: elem.SelectAttrValue("name", ""),
	}
	if firstChildNamed(elem, "is-not-defined") != nil {
		paramFilter.IsNotDefined = true
		return paramFilter
	}
	if textMatchElem := firstChildNamed(elem, "text-match"); textMatchElem != nil {
		paramFilter.TextMatch = parseTextMatch(textMatchElem)
	}
	return paramFilter
}

func parseTextMatch(elem *etree.Element) *storage.TextMatch {
	return &storage.TextMatch{
		Collation: elem.SelectAttrValue("collation", "i;unicode-casemap"),
		MatchType: elem.SelectAttrValue("match-type", "contains"),
		Negate:    elem.SelectAttrValue("negate-condition", "no") == "yes",
		Value:     elem.Text(),
	}
}

func parseTimeRange(elem *etree.Element) *storage.TimeRange {
	timeRange := &storage.TimeRange{}
	if startStr := elem.SelectAttrValue("start", ""); startStr != "" {
		if start, err := time.Parse(timeRangeLayout, startStr); err == nil {
			timeRange.Start = &start
		}
	}
	if endStr := elem.SelectAttrValue("end", ""); endStr != "" {
		if end, err := time.Parse(timeRangeLayout, endStr); err == nil {
			timeRange.End = &end
		}
	}
	return timeRange
}

// childrenNamed returns the child elements whose local name matches name.
// Clients bind the CalDAV namespace to arbitrary prefixes, so only the local
// part (etree keeps the prefix in Space, not Tag) is compared.
func childrenNamed(parent *etree.Element, name string) []*etree.Element {
	var matched []*etree.Element
	for _, child := range parent.ChildElements() {
		if strings.EqualFold(child.Tag, name) {
			matched = append(matched, child)
		}
	}
	return matched
}

// firstChildNamed returns the first child element with the given local name,
// or nil.
func firstChildNamed(parent *etree.Element, name string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if strings.EqualFold(child.Tag, name) {
			return child
		}
	}
	return nil
}
