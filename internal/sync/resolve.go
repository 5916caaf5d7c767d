package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imobcrm/agendasync/internal/errs"
	"github.com/imobcrm/agendasync/internal/gateway"
	"github.com/imobcrm/agendasync/internal/model"
)

// Strategy is the user-chosen way out of a conflict.
type Strategy string

const (
	// StrategyKeepLocal pushes the local version to remote, creating the
	// event if it is missing and overwriting it if present.
	StrategyKeepLocal Strategy = "KEEP_LOCAL"
	// StrategyKeepGoogle overwrites the local appointment from the remote
	// version through the import seam.
	StrategyKeepGoogle Strategy = "KEEP_GOOGLE"
)

// Resolution is the outcome of resolving one conflict. Resolving removes
// that conflict from the caller's in-memory list only; previously returned
// reports are never altered.
type Resolution struct {
	Success bool
	Message string
}

// Resolver applies a resolution strategy to a detected conflict.
type Resolver struct {
	gw         gateway.EventGateway
	calendarID string
	onImport   ImportFunc
	log        *zap.Logger
}

// NewResolver creates a Resolver sharing the engine's gateway and import
// seam.
func NewResolver(gw gateway.EventGateway, calendarID string, onImport ImportFunc, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{gw: gw, calendarID: calendarID, onImport: onImport, log: log}
}

// Resolve applies the strategy to the conflict.
func (r *Resolver) Resolve(ctx context.Context, conflict model.Conflict, strategy Strategy) Resolution {
	switch strategy {
	case StrategyKeepLocal:
		return r.keepLocal(ctx, conflict)
	case StrategyKeepGoogle:
		return r.keepGoogle(conflict)
	default:
		return Resolution{Success: false, Message: fmt.Sprintf("unknown strategy %q", strategy)}
	}
}

// keepLocal pushes the local version to remote, discarding the remote
// version's conflicting fields.
func (r *Resolver) keepLocal(ctx context.Context, conflict model.Conflict) Resolution {
	if conflict.Local == nil {
		return Resolution{Success: false, Message: "conflict has no local side to keep"}
	}
	appt := *conflict.Local

	if appt.ExternalEventID != "" {
		_, err := r.gw.UpdateEvent(ctx, r.calendarID, appt.ExternalEventID, appt)
		if err == nil {
			r.log.Info("conflict resolved, local kept", zap.String("appointment", appt.ID))
			return Resolution{Success: true, Message: fmt.Sprintf("%q pushed to Google Calendar", appt.Title)}
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return Resolution{Success: false, Message: err.Error()}
		}
		// Orphaned correlation: fall through and recreate the event.
	}

	created, err := r.gw.CreateEvent(ctx, r.calendarID, appt)
	if err != nil {
		return Resolution{Success: false, Message: err.Error()}
	}
	r.log.Info("conflict resolved, local recreated remotely",
		zap.String("appointment", appt.ID), zap.String("event", created.ID))
	return Resolution{Success: true, Message: fmt.Sprintf("%q recreated in Google Calendar as %s", appt.Title, created.ID)}
}

// keepGoogle overwrites the local appointment from the remote version via
// the same import seam the engine uses; the resolver never writes local
// records directly.
func (r *Resolver) keepGoogle(conflict model.Conflict) Resolution {
	if conflict.Remote == nil {
		return Resolution{Success: false, Message: "conflict has no remote side to keep"}
	}
	if r.onImport == nil {
		return Resolution{Success: false, Message: "no import seam configured"}
	}
	remote := *conflict.Remote

	appt := model.Appointment{
		Title:           remote.Summary,
		Description:     remote.Description,
		Start:           remote.Start,
		End:             remote.End,
		Location:        remote.Location,
		Attendees:       remote.Attendees,
		ExternalEventID: remote.ID,
		UpdatedAt:       remote.Updated,
	}
	if conflict.Local != nil {
		appt.ID = conflict.Local.ID
		appt.OwnerID = conflict.Local.OwnerID
	}

	if !r.onImport(appt) {
		return Resolution{Success: false, Message: "local store declined the remote version"}
	}
	r.log.Info("conflict resolved, remote kept", zap.String("event", remote.ID))
	return Resolution{Success: true, Message: fmt.Sprintf("%q accepted from Google Calendar", remote.Summary)}
}
