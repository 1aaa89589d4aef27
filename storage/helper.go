package storage

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emersion/go-ical"
)

// ETag derives the quoted entity tag for a payload. Identical bytes always
// yield an identical tag.
func ETag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// ParseCalendar decodes a raw iCalendar payload into its component tree.
func ParseCalendar(data []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}
	return cal, nil
}

// EncodeCalendar serializes a component tree back to iCalendar bytes.
func EncodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// ObjectMeta extracts the lowercase primary component kind and the UID from
// a payload. A payload that fails to parse, or one without a primary
// component, yields empty values; the caller stores it regardless.
func ObjectMeta(data []byte) (component, uid string) {
	cal, err := ParseCalendar(data)
	if err != nil {
		return "", ""
	}
	comp := primaryComponent(cal.Component)
	if comp == nil {
		return "", ""
	}
	component = strings.ToLower(comp.Name)
	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		uid = prop.Value
	}
	return component, uid
}

// primaryComponent returns the first event, to-do or journal child of the
// root component.
func primaryComponent(root *ical.Component) *ical.Component {
	for _, child := range root.Children {
		switch child.Name {
		case ical.CompEvent, ical.CompToDo, ical.CompJournal:
			return child
		}
	}
	return nil
}
