package storage

import "github.com/samber/mo"

// PropKey names a recognized calendar or subscription property. The property
// surface is a fixed enumeration: unrecognized keys are rejected with the
// 403/424 status convention instead of being stored.
type PropKey string

const (
	PropDisplayName      PropKey = "displayname"
	PropDescription      PropKey = "calendar-description"
	PropTimezone         PropKey = "calendar-timezone"
	PropTransparency     PropKey = "schedule-calendar-transp"
	PropColor            PropKey = "calendar-color"
	PropComponentSet     PropKey = "supported-calendar-component-set"
	PropSource           PropKey = "source"
	PropRefreshRate      PropKey = "refreshrate"
	PropStripTodos       PropKey = "subscribed-strip-todos"
	PropStripAlarms      PropKey = "subscribed-strip-alarms"
	PropStripAttachments PropKey = "subscribed-strip-attachments"
)

// Props carries property values for create operations and patches.
type Props map[PropKey]any

// Per-key patch status codes.
const (
	StatusApplied          = 200
	StatusForbidden        = 403
	StatusFailedDependency = 424
)

// PropResolver validates a single mutation. A present result is the apply
// closure to run once the whole patch is accepted; None rejects the key.
type PropResolver func(key PropKey, value any) mo.Option[func()]

// PropPatch collects property mutations and their per-key outcome. A patch
// never fails as a whole: individual keys get StatusForbidden, and sibling
// keys that were valid but withheld get StatusFailedDependency. Nothing is
// applied unless every key is accepted.
type PropPatch struct {
	mutations Props
	result    map[PropKey]int
	resolved  bool
}

// NewPropPatch builds a patch over the given mutations.
func NewPropPatch(props Props) *PropPatch {
	mutations := make(Props, len(props))
	for k, v := range props {
		mutations[k] = v
	}
	return &PropPatch{
		mutations: mutations,
		result:    make(map[PropKey]int, len(props)),
	}
}

// Resolve runs every mutation through the resolver. When all keys are
// accepted their apply closures run and each key reports StatusApplied;
// otherwise nothing is applied. Returns whether the patch was applied.
func (p *PropPatch) Resolve(resolver PropResolver) bool {
	applies := make([]func(), 0, len(p.mutations))
	failed := false
	for key, value := range p.mutations {
		if apply, ok := resolver(key, value).Get(); ok {
			p.result[key] = StatusApplied
			applies = append(applies, apply)
		} else {
			p.result[key] = StatusForbidden
			failed = true
		}
	}
	p.resolved = true
	if failed {
		for key, status := range p.result {
			if status == StatusApplied {
				p.result[key] = StatusFailedDependency
			}
		}
		return false
	}
	for _, apply := range applies {
		apply()
	}
	return true
}

// Commit reports whether every key has been resolved to a status. It is true
// after the store handled the patch, regardless of per-key outcomes.
func (p *PropPatch) Commit() bool {
	return p.resolved
}

// Result returns the status code recorded for each key.
func (p *PropPatch) Result() map[PropKey]int {
	out := make(map[PropKey]int, len(p.result))
	for k, v := range p.result {
		out[k] = v
	}
	return out
}

// Mutations exposes the requested property changes.
func (p *PropPatch) Mutations() Props {
	out := make(Props, len(p.mutations))
	for k, v := range p.mutations {
		out[k] = v
	}
	return out
}

// ComponentSetValue coerces and validates a supported-component-set value: a
// collection of recognized component kind tokens.
func ComponentSetValue(value any) ([]string, bool) {
	set, ok := value.([]string)
	if !ok {
		return nil, false
	}
	for _, name := range set {
		switch name {
		case "VEVENT", "VTODO", "VJOURNAL", "VFREEBUSY", "VTIMEZONE":
		default:
			return nil, false
		}
	}
	return set, true
}

// CalendarResolver accepts the fixed set of calendar property keys, writing
// accepted values into cal. The component set key additionally validates its
// token collection.
func CalendarResolver(cal *Calendar) PropResolver {
	return func(key PropKey, value any) mo.Option[func()] {
		switch key {
		case PropDisplayName:
			if v, ok := value.(string); ok {
				return mo.Some(func() { cal.DisplayName = v })
			}
		case PropDescription:
			if v, ok := value.(string); ok {
				return mo.Some(func() { cal.Description = v })
			}
		case PropTimezone:
			if v, ok := value.(string); ok {
				return mo.Some(func() { cal.Timezone = v })
			}
		case PropTransparency:
			if v, ok := value.(string); ok {
				return mo.Some(func() { cal.Transparency = v })
			}
		case PropColor:
			if v, ok := value.(string); ok {
				return mo.Some(func() { cal.Color = v })
			}
		case PropComponentSet:
			if set, ok := ComponentSetValue(value); ok {
				return mo.Some(func() { cal.SupportedComponents = set })
			}
		}
		return mo.None[func()]()
	}
}

// SubscriptionResolver accepts the fixed set of subscription property keys,
// writing accepted values into sub.
func SubscriptionResolver(sub *Subscription) PropResolver {
	return func(key PropKey, value any) mo.Option[func()] {
		switch key {
		case PropSource:
			if v, ok := value.(string); ok {
				return mo.Some(func() { sub.Source = v })
			}
		case PropDisplayName:
			if v, ok := value.(string); ok {
				return mo.Some(func() { sub.DisplayName = v })
			}
		case PropRefreshRate:
			if v, ok := value.(string); ok {
				return mo.Some(func() { sub.RefreshRate = v })
			}
		case PropColor:
			if v, ok := value.(string); ok {
				return mo.Some(func() { sub.Color = v })
			}
		case PropStripTodos:
			if v, ok := value.(bool); ok {
				return mo.Some(func() { sub.StripTodos = v })
			}
		case PropStripAlarms:
			if v, ok := value.(bool); ok {
				return mo.Some(func() { sub.StripAlarms = v })
			}
		case PropStripAttachments:
			if v, ok := value.(bool); ok {
				return mo.Some(func() { sub.StripAttachments = v })
			}
		}
		return mo.None[func()]()
	}
}
