package calendarquery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocument_FullQuery(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="20250301T000000Z" end="20250401T000000Z"/>
        <C:prop-filter name="SUMMARY">
          <C:text-match collation="i;ascii-casemap" match-type="contains">standup</C:text-match>
        </C:prop-filter>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`)

	filter, err := ParseDocument(body)
	require.NoError(t, err)
	require.NotNil(t, filter)

	assert.Equal(t, "VCALENDAR", filter.Component)
	require.Len(t, filter.Children, 1)

	event := filter.Children[0]
	assert.Equal(t, "VEVENT", event.Component)
	require.NotNil(t, event.TimeRange)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), *event.TimeRange.Start)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), *event.TimeRange.End)

	require.Len(t, event.PropFilters, 1)
	pf := event.PropFilters[0]
	assert.Equal(t, "SUMMARY", pf.Name)
	require.NotNil(t, pf.TextMatch)
	assert.Equal(t, "standup", pf.TextMatch.Value)
	assert.Equal(t, "i;ascii-casemap", pf.TextMatch.Collation)
	assert.Equal(t, "contains", pf.TextMatch.MatchType)
	assert.False(t, pf.TextMatch.Negate)
}

func TestParseDocument_NoFilter(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/></D:prop>
</C:calendar-query>`)

	filter, err := ParseDocument(body)
	require.NoError(t, err)
	assert.Nil(t, filter)
}

func TestParseDocument_Invalid(t *testing.T) {
	_, err := ParseDocument([]byte("<unclosed"))
	assert.Error(t, err)
}

func TestParseDocument_IsNotDefined(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VTODO">
        <C:is-not-defined/>
      </C:comp-filter>
      <C:prop-filter name="METHOD">
        <C:is-not-defined/>
      </C:prop-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`)

	filter, err := ParseDocument(body)
	require.NoError(t, err)
	require.Len(t, filter.Children, 1)
	assert.True(t, filter.Children[0].IsNotDefined)
	require.Len(t, filter.PropFilters, 1)
	assert.True(t, filter.PropFilters[0].IsNotDefined)
}

func TestParseDocument_ParamFilterAndNegate(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT" test="anyof">
        <C:prop-filter name="ATTENDEE">
          <C:param-filter name="PARTSTAT">
            <C:text-match negate-condition="yes">DECLINED</C:text-match>
          </C:param-filter>
        </C:prop-filter>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`)

	filter, err := ParseDocument(body)
	require.NoError(t, err)

	event := filter.Children[0]
	assert.Equal(t, "anyof", event.Test)
	require.Len(t, event.PropFilters, 1)
	require.Len(t, event.PropFilters[0].ParamFilters, 1)

	pa := event.PropFilters[0].ParamFilters[0]
	assert.Equal(t, "PARTSTAT", pa.Name)
	require.NotNil(t, pa.TextMatch)
	assert.True(t, pa.TextMatch.Negate)
	assert.Equal(t, "DECLINED", pa.TextMatch.Value)
}

func TestParseDocument_DefaultTestModeIsEmpty(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:filter>
    <C:comp-filter name="VCALENDAR"/>
  </C:filter>
</C:calendar-query>`)

	filter, err := ParseDocument(body)
	require.NoError(t, err)
	assert.Empty(t, filter.Test, "absent test attribute stays empty so evaluation defaults to allof")
}
