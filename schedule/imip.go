// Package schedule delivers iTIP scheduling messages to attendees through
// the platform's invitation endpoint and tracks their delivery status.
package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Schedule-status codes recorded on a message after a delivery attempt.
const (
	StatusSuccessPending   = "1.0"
	StatusSuccessUnknown   = "1.1"
	StatusSuccessDelivered = "1.2"
	StatusFailTemporary    = "5.1"
	StatusFailPermanent    = "5.2"
)

const inviteEndpoint = "/calendars/inviteattendees"

// Message is one iTIP scheduling message bound for a single recipient.
// Sender and Recipient are URIs, normally mailto: addresses.
type Message struct {
	Sender    string
	Recipient string
	// Method is the iTIP method (REQUEST, REPLY, CANCEL).
	Method string
	// UID identifies the event the message is about.
	UID string
	// Data is the serialized iTIP calendar payload.
	Data []byte
	// SignificantChange is false for updates the caller considers not worth
	// notifying attendees about.
	SignificantChange bool
	// ScheduleStatus records the delivery outcome. Delivery leaves it
	// untouched for messages outside the relay's reach (non-mailto
	// endpoints).
	ScheduleStatus string
}

// CalendarResolver resolves the URI of the calendar containing an event.
// A storage.Store satisfies it.
type CalendarResolver interface {
	CalendarURIForEventUID(uid string) (string, error)
}

// CredentialSource supplies the session cookie attached to delivery
// requests.
type CredentialSource interface {
	AuthCookie(ctx context.Context) (string, error)
}

// StaticCredentials is a CredentialSource with a fixed cookie value.
type StaticCredentials string

func (c StaticCredentials) AuthCookie(ctx context.Context) (string, error) {
	return string(c), nil
}

// Relay posts scheduling messages to the invitation endpoint under apiRoot.
type Relay struct {
	apiRoot  string
	client   *http.Client
	resolver CalendarResolver
	creds    CredentialSource
	logger   *slog.Logger
}

// NewRelay builds a relay. A nil client gets a default with a 10s timeout.
func NewRelay(apiRoot string, resolver CalendarResolver, creds CredentialSource, client *http.Client, logger *slog.Logger) *Relay {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		apiRoot:  strings.TrimRight(apiRoot, "/"),
		client:   client,
		resolver: resolver,
		creds:    creds,
		logger:   logger,
	}
}

type invitePayload struct {
	Emails      []string `json:"emails"`
	Method      string   `json:"method"`
	Event       string   `json:"event"`
	Notify      bool     `json:"notify"`
	CalendarURI string   `json:"calendarURI"`
}

// Schedule attempts delivery of one message and records the outcome in
// msg.ScheduleStatus. It never fails outright: unreachable configurations
// and transport errors map onto the 5.x status codes, and messages whose
// endpoints are not mailto addresses are left untouched for other delivery
// channels.
func (r *Relay) Schedule(ctx context.Context, msg *Message) {
	if r.apiRoot == "" {
		msg.ScheduleStatus = StatusFailPermanent
		return
	}

	// Insignificant updates are acknowledged without notifying anyone.
	if !msg.SignificantChange {
		if msg.ScheduleStatus == "" {
			msg.ScheduleStatus = StatusSuccessPending
		}
		return
	}

	if uriScheme(msg.Sender) != "mailto" || uriScheme(msg.Recipient) != "mailto" {
		return
	}

	calendarURI, err := r.resolver.CalendarURIForEventUID(msg.UID)
	if err != nil {
		msg.ScheduleStatus = StatusFailTemporary
		r.logger.Error("itip delivery failed: calendar could not be resolved",
			"uid", msg.UID, "recipient", msg.Recipient, "error", err)
		return
	}

	body, err := json.Marshal(invitePayload{
		Emails:      []string{strings.TrimPrefix(msg.Recipient, "mailto:")},
		Method:      msg.Method,
		Event:       string(msg.Data),
		Notify:      true,
		CalendarURI: calendarURI,
	})
	if err != nil {
		msg.ScheduleStatus = StatusFailTemporary
		r.logger.Error("itip delivery failed: payload encoding", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiRoot+inviteEndpoint, bytes.NewReader(body))
	if err != nil {
		msg.ScheduleStatus = StatusFailTemporary
		r.logger.Error("itip delivery failed: building request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", fmt.Sprint(len(body)))
	if r.creds != nil {
		cookie, err := r.creds.AuthCookie(ctx)
		if err != nil {
			msg.ScheduleStatus = StatusFailTemporary
			r.logger.Error("itip delivery failed: auth cookie", "error", err)
			return
		}
		req.Header.Set("Cookie", cookie)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		msg.ScheduleStatus = StatusFailTemporary
		r.logger.Error("itip delivery failed", "recipient", msg.Recipient, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		msg.ScheduleStatus = StatusSuccessDelivered
		return
	}
	msg.ScheduleStatus = StatusFailTemporary
	r.logger.Error("itip delivery failed",
		"recipient", msg.Recipient, "status", resp.StatusCode)
}

func uriScheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme
}
