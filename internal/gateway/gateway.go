// Package gateway provides CRUD access to remote calendar events.
package gateway

import (
	"context"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/imobcrm/agendasync/internal/model"
)

// Window is the half-open time range [Min, Max) of a list query.
type Window struct {
	Min time.Time
	Max time.Time
}

// EventGateway is a generic interface for remote calendar operations.
// The sync engine depends on this interface, not on the Google client.
type EventGateway interface {
	ListEvents(ctx context.Context, calendarID string, window Window) ([]model.RemoteEvent, error)
	CreateEvent(ctx context.Context, calendarID string, appt model.Appointment) (model.RemoteEvent, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, appt model.Appointment) (model.RemoteEvent, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// appointmentIDProperty is the private extended property that carries the
// CRM appointment id on pushed events.
const appointmentIDProperty = "crmAppointmentId"

// toGoogleEvent maps a local appointment onto the Google wire type.
func toGoogleEvent(appt model.Appointment) *calendar.Event {
	event := &calendar.Event{
		Summary:     appt.Title,
		Description: appt.Description,
		Location:    appt.Location,
		Start:       &calendar.EventDateTime{DateTime: appt.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: appt.End.Format(time.RFC3339)},
		Reminders:   &calendar.EventReminders{UseDefault: true, ForceSendFields: []string{"UseDefault"}},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{appointmentIDProperty: appt.ID},
		},
	}
	for _, email := range appt.Attendees {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: email})
	}
	return event
}

// fromGoogleEvent maps the Google wire type onto the internal model.
// All-day events carry dates without times; they map to midnight bounds.
func fromGoogleEvent(event *calendar.Event) model.RemoteEvent {
	remote := model.RemoteEvent{
		ID:          event.Id,
		Summary:     event.Summary,
		Description: event.Description,
		Location:    event.Location,
	}
	if event.ExtendedProperties != nil && event.ExtendedProperties.Private != nil {
		remote.AppointmentID = event.ExtendedProperties.Private[appointmentIDProperty]
	}
	remote.Start = parseEventTime(event.Start)
	remote.End = parseEventTime(event.End)
	if t, err := time.Parse(time.RFC3339, event.Updated); err == nil {
		remote.Updated = t
	}
	for _, attendee := range event.Attendees {
		remote.Attendees = append(remote.Attendees, attendee.Email)
	}
	return remote
}

func parseEventTime(edt *calendar.EventDateTime) time.Time {
	if edt == nil {
		return time.Time{}
	}
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return t
		}
	}
	if edt.Date != "" {
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}
