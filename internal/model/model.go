// Package model defines the provider-independent types shared by the sync
// engine, the calendar gateway, and the appointment store.
package model

import "time"

// Appointment is a local CRM appointment (a property visit or a plantão
// duty shift). ExternalEventID is the correlation key to the remote
// calendar event; it is empty until the first successful push.
type Appointment struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Location        string    `json:"location,omitempty"`
	Attendees       []string  `json:"attendees,omitempty"`
	OwnerID         string    `json:"owner_id"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RemoteEvent is a calendar event as read from the remote provider,
// stripped down to the fields the sync engine cares about.
type RemoteEvent struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Location    string
	Attendees   []string
	Updated     time.Time
	// AppointmentID is the CRM appointment id carried in the event's
	// private extended properties when the event originated from a local
	// push; empty for events created directly in the remote calendar.
	AppointmentID string
}

// Overlaps reports whether the [Start,End) interval of the appointment
// intersects the [Start,End) interval of the remote event.
func (a Appointment) Overlaps(r RemoteEvent) bool {
	return a.Start.Before(r.End) && r.Start.Before(a.End)
}

// ConflictKind classifies a sync conflict.
type ConflictKind string

const (
	// ConflictTimeOverlap marks two uncorrelated events, one local and one
	// remote, with intersecting time intervals.
	ConflictTimeOverlap ConflictKind = "TIME_OVERLAP"

	// ConflictOrphanedEvent marks a local appointment whose correlation key
	// no longer resolves to an existing remote event.
	ConflictOrphanedEvent ConflictKind = "ORPHANED_EVENT"

	// ConflictExternal marks a correlated pair that diverged because the
	// remote copy was edited after the local one.
	ConflictExternal ConflictKind = "EXTERNAL_CONFLICT"
)

// Conflict is produced transiently during a sync pass. It is never
// persisted: an unresolved conflict is re-detected on the next pass.
type Conflict struct {
	Kind                ConflictKind
	Local               *Appointment
	Remote              *RemoteEvent
	Description         string
	SuggestedResolution string
}

// Report summarizes one sync pass. It is immutable once returned.
// Mappings carries the localID→remoteID correlations established during
// the pass; persisting them back onto the local records is the caller's
// responsibility.
type Report struct {
	Success   bool
	Timestamp time.Time
	Created   int
	Updated   int
	Deleted   int
	Conflicts []Conflict
	Errors    []string
	Mappings  map[string]string
}
