// Package notify turns store mutation events into pub/sub messages for
// interested clients (websocket bridges, activity feeds).
package notify

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/calpod/calstore/storage"
)

// Topic is the single pub/sub topic all object mutations are published on;
// subscribers discriminate on the message type field.
const Topic = "calendar:event:updated"

const websocketEventPrefix = "calendar:ws:event:"

// Publisher delivers one serialized message on a topic.
type Publisher interface {
	Publish(topic, message string) error
}

// LogPublisher writes messages to a structured logger instead of a broker.
// Useful as a default sink and in development.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p *LogPublisher) Publish(topic, message string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("publish", "topic", topic, "message", message)
	return nil
}

// Notifier converts object mutation events into JSON messages. Register its
// HandleEvent with a store's Subscribe.
type Notifier struct {
	client Publisher
	logger *slog.Logger
}

// New builds a notifier publishing through client.
func New(client Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, logger: logger}
}

type eventMessage struct {
	EventPath      string `json:"eventPath"`
	ETag           string `json:"etag,omitempty"`
	Type           string `json:"type"`
	Event          any    `json:"event,omitempty"`
	OldEvent       any    `json:"old_event,omitempty"`
	WebsocketEvent string `json:"websocketEvent"`
}

// HandleEvent publishes one mutation event. Events whose path does not name
// an object inside a calendar collection are ignored without parsing the
// payload.
func (n *Notifier) HandleEvent(ev storage.ObjectEvent) {
	segments := strings.Split(ev.Path, "/")
	if len(segments) != 3 || segments[0] != "calendars" {
		return
	}

	msg := eventMessage{
		EventPath:      "/" + ev.Path,
		ETag:           ev.ETag,
		Type:           ev.Type.String(),
		WebsocketEvent: websocketEventPrefix + ev.Type.String(),
	}
	msg.Event = n.documentJSON(ev.Data, ev.Path)
	if ev.Type == storage.EventUpdated {
		msg.OldEvent = n.documentJSON(ev.OldData, ev.Path)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("encoding mutation message", "path", ev.Path, "error", err)
		return
	}
	if err := n.client.Publish(Topic, string(body)); err != nil {
		n.logger.Error("publishing mutation message", "path", ev.Path, "error", err)
	}
}

// documentJSON renders a payload's component tree for the message body. An
// unparseable payload is dropped from the message rather than failing it.
func (n *Notifier) documentJSON(data []byte, path string) any {
	if len(data) == 0 {
		return nil
	}
	doc, err := storage.ParseCalendar(data)
	if err != nil {
		n.logger.Debug("skipping unparseable payload in message", "path", path, "error", err)
		return nil
	}
	return componentJSON(doc.Component)
}

type jsonProp struct {
	Value  string              `json:"value"`
	Params map[string][]string `json:"params,omitempty"`
}

type jsonComponent struct {
	Name       string                `json:"name"`
	Properties map[string][]jsonProp `json:"properties,omitempty"`
	Components []jsonComponent       `json:"components,omitempty"`
}

func componentJSON(comp *ical.Component) jsonComponent {
	out := jsonComponent{Name: comp.Name}
	if len(comp.Props) > 0 {
		out.Properties = make(map[string][]jsonProp, len(comp.Props))
		for name, props := range comp.Props {
			list := make([]jsonProp, 0, len(props))
			for _, p := range props {
				jp := jsonProp{Value: p.Value}
				if len(p.Params) > 0 {
					jp.Params = map[string][]string(p.Params)
				}
				list = append(list, jp)
			}
			out.Properties[name] = list
		}
	}
	for _, child := range comp.Children {
		out.Components = append(out.Components, componentJSON(child))
	}
	return out
}
