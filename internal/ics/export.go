// Package ics renders appointments as an iCalendar feed, so a broker can
// pull their plantão schedule into any calendar application.
package ics

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/imobcrm/agendasync/internal/model"
)

const productID = "-//imobcrm//agendasync//EN"

// Export renders the appointments as a single VCALENDAR document.
func Export(appts []model.Appointment) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, appt := range appts {
		cal.Children = append(cal.Children, toComponent(appt))
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

func toComponent(appt model.Appointment) *ical.Component {
	vevent := ical.NewComponent(ical.CompEvent)

	uid := appt.ID
	if uid == "" {
		uid = uuid.NewString()
	}
	vevent.Props.SetText(ical.PropUID, uid+"@agendasync")

	if appt.Title != "" {
		vevent.Props.SetText(ical.PropSummary, appt.Title)
	}
	if appt.Description != "" {
		vevent.Props.SetText(ical.PropDescription, appt.Description)
	}
	if appt.Location != "" {
		vevent.Props.SetText(ical.PropLocation, appt.Location)
	}

	vevent.Props.SetDateTime(ical.PropDateTimeStart, appt.Start)
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, appt.End)

	stamp := appt.UpdatedAt
	if stamp.IsZero() {
		stamp = appt.Start
	}
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	vevent.Props.SetDateTime(ical.PropLastModified, stamp)

	if appt.ExternalEventID != "" {
		vevent.Props.SetText("X-GOOGLE-EVENT-ID", appt.ExternalEventID)
	}

	return vevent
}
