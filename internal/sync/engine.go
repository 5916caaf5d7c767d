// Package sync orchestrates synchronization between local CRM appointments
// and remote calendar events, and resolves the conflicts it detects.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/imobcrm/agendasync/internal/errs"
	"github.com/imobcrm/agendasync/internal/gateway"
	"github.com/imobcrm/agendasync/internal/model"
)

// State is the engine's position in the per-pass state machine.
type State string

const (
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateSyncing    State = "SYNCING"
	StateSynced     State = "SYNCED"
	StateError      State = "ERROR"
	StateConflict   State = "CONFLICT"
)

// Sync window relative to now. Fixed on purpose; widening it is a product
// decision, not a configuration knob.
const (
	windowPast   = 7 * 24 * time.Hour
	windowFuture = 30 * 24 * time.Hour
)

// ImportFunc is the integration seam to the local appointment store. The
// engine never writes local records directly: it offers a partial
// appointment built from the remote event and the caller decides. A false
// return means "caller declined" and is not an error.
type ImportFunc func(appt model.Appointment) bool

// OverlapPreference selects the suggested resolution for time-overlap
// conflicts.
type OverlapPreference int

const (
	// PreferRecent suggests keeping the more recently modified side,
	// with ties going to the local copy.
	PreferRecent OverlapPreference = iota
	// PreferLocal always suggests the local copy.
	PreferLocal
	// PreferRemote always suggests the remote copy.
	PreferRemote
)

// Engine runs sync passes against one calendar. A pass always returns a
// report and never panics; per-item failures land in Report.Errors without
// aborting the remaining items.
type Engine struct {
	gw         gateway.EventGateway
	calendarID string
	log        *zap.Logger

	now        func() time.Time
	preference OverlapPreference

	syncing atomic.Bool

	mu    sync.Mutex
	state State
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOverlapPreference sets the tie-break policy for time-overlap
// conflict suggestions.
func WithOverlapPreference(p OverlapPreference) Option {
	return func(e *Engine) { e.preference = p }
}

// NewEngine creates an Engine for the given calendar.
func NewEngine(gw gateway.EventGateway, calendarID string, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		gw:         gw,
		calendarID: calendarID,
		log:        log,
		now:        time.Now,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// markSyncing moves CONNECTING to SYNCING after the first answered remote
// call of a pass.
func (e *Engine) markSyncing() {
	e.mu.Lock()
	if e.state == StateConnecting {
		e.state = StateSyncing
	}
	e.mu.Unlock()
}

// window returns the fixed [now-7d, now+30d) query range.
func (e *Engine) window() gateway.Window {
	now := e.now()
	return gateway.Window{Min: now.Add(-windowPast), Max: now.Add(windowFuture)}
}

// SyncToRemote pushes local appointments to the remote calendar. New
// appointments are created and their remote ids recorded in
// Report.Mappings; correlated appointments are updated, with a 404 on the
// correlation key reported as an orphaned-event conflict rather than a
// silent re-create.
func (e *Engine) SyncToRemote(ctx context.Context, appts []model.Appointment) *model.Report {
	return e.runPass("to-remote", func(report *model.Report) {
		e.pushAppointments(ctx, appts, nil, report)
	})
}

// SyncFromRemote imports remote events that did not originate from a local
// push, offering each to onImport.
func (e *Engine) SyncFromRemote(ctx context.Context, onImport ImportFunc) *model.Report {
	return e.runPass("from-remote", func(report *model.Report) {
		remotes, err := e.gw.ListEvents(ctx, e.calendarID, e.window())
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			return
		}
		e.markSyncing()
		e.importRemotes(remotes, nil, nil, onImport, report)
	})
}

// SyncBidirectional pushes local appointments first, then imports remote
// events, inside a single pass. Conflicts are detected from the full
// fetched sets before any write, so detection is independent of call
// ordering; conflicted items are excluded from the pass but do not abort
// the non-conflicting ones.
func (e *Engine) SyncBidirectional(ctx context.Context, appts []model.Appointment, onImport ImportFunc) *model.Report {
	return e.runPass("bidirectional", func(report *model.Report) {
		remotes, err := e.gw.ListEvents(ctx, e.calendarID, e.window())
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			return
		}
		e.markSyncing()

		skipLocal, skipRemote := e.detectConflicts(appts, remotes, report)
		e.pushAppointments(ctx, appts, skipLocal, report)

		correlated := make(map[string]bool, len(appts))
		for _, appt := range appts {
			if appt.ExternalEventID != "" {
				correlated[appt.ExternalEventID] = true
			}
		}
		e.importRemotes(remotes, skipRemote, correlated, onImport, report)
	})
}

// runPass wraps one sync invocation: single-flight guard, state machine,
// panic recovery, report finalization. It always returns a report.
func (e *Engine) runPass(name string, fn func(report *model.Report)) (report *model.Report) {
	report = &model.Report{Mappings: map[string]string{}}

	if !e.syncing.CompareAndSwap(false, true) {
		report.Timestamp = e.now()
		report.Errors = append(report.Errors, errs.ErrSyncInProgress.Error())
		return report
	}
	defer e.syncing.Store(false)

	// The pass starts out connecting: the gateway's token source acquires
	// credentials lazily on the first remote call, and markSyncing flips
	// the state once that call has answered.
	e.setState(StateConnecting)
	e.log.Info("sync pass started", zap.String("direction", name))

	defer func() {
		if r := recover(); r != nil {
			report.Success = false
			report.Errors = append(report.Errors, fmt.Sprintf("sync pass panicked: %v", r))
			e.log.Error("sync pass panicked", zap.String("direction", name), zap.Any("panic", r))
		}
		report.Timestamp = e.now()
		report.Success = len(report.Errors) == 0
		switch {
		case !report.Success:
			e.setState(StateError)
		case len(report.Conflicts) > 0:
			e.setState(StateConflict)
		default:
			e.setState(StateSynced)
		}
		e.log.Info("sync pass finished",
			zap.String("direction", name),
			zap.Bool("success", report.Success),
			zap.Int("created", report.Created),
			zap.Int("updated", report.Updated),
			zap.Int("conflicts", len(report.Conflicts)),
			zap.Int("errors", len(report.Errors)))
	}()

	fn(report)
	return report
}

// pushAppointments creates or updates one remote event per appointment,
// skipping ids in skip. Per-item failures are recorded and the loop
// continues.
func (e *Engine) pushAppointments(ctx context.Context, appts []model.Appointment, skip map[string]bool, report *model.Report) {
	for i := range appts {
		appt := appts[i]
		if skip[appt.ID] {
			continue
		}

		if appt.ExternalEventID == "" {
			created, err := e.gw.CreateEvent(ctx, e.calendarID, appt)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("create %q: %v", appt.Title, err))
				continue
			}
			e.markSyncing()
			report.Created++
			report.Mappings[appt.ID] = created.ID
			continue
		}

		_, err := e.gw.UpdateEvent(ctx, e.calendarID, appt.ExternalEventID, appt)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				// A 404 is still an answered, authenticated call.
				e.markSyncing()
				report.Conflicts = append(report.Conflicts, model.Conflict{
					Kind:                model.ConflictOrphanedEvent,
					Local:               &appt,
					Description:         fmt.Sprintf("remote event %s for %q no longer exists", appt.ExternalEventID, appt.Title),
					SuggestedResolution: string(StrategyKeepLocal),
				})
				continue
			}
			report.Errors = append(report.Errors, fmt.Sprintf("update %q: %v", appt.Title, err))
			continue
		}
		e.markSyncing()
		report.Updated++
	}
}

// importRemotes offers uncorrelated remote events to onImport. Events that
// originated from a local push (they carry the appointment id property or
// match a known correlation key) are never re-imported.
func (e *Engine) importRemotes(remotes []model.RemoteEvent, skip map[string]bool, correlated map[string]bool, onImport ImportFunc, report *model.Report) {
	if onImport == nil {
		return
	}
	for i := range remotes {
		remote := remotes[i]
		if remote.AppointmentID != "" || correlated[remote.ID] || skip[remote.ID] {
			continue
		}
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
		if onImport(appt) {
			report.Created++
		} else {
			e.log.Debug("import declined", zap.String("event", remote.ID))
		}
	}
}

// detectConflicts computes conflicts from the full local and remote sets.
// It returns the appointment ids and remote event ids to exclude from the
// rest of the pass.
func (e *Engine) detectConflicts(appts []model.Appointment, remotes []model.RemoteEvent, report *model.Report) (skipLocal, skipRemote map[string]bool) {
	skipLocal = map[string]bool{}
	skipRemote = map[string]bool{}

	remoteByID := make(map[string]*model.RemoteEvent, len(remotes))
	for i := range remotes {
		remoteByID[remotes[i].ID] = &remotes[i]
	}

	for i := range appts {
		appt := appts[i]

		if appt.ExternalEventID != "" {
			// Correlated pair: flag divergence where the remote copy is
			// newer. Older remote copies are simply overwritten by the push.
			remote, ok := remoteByID[appt.ExternalEventID]
			if ok && contentDiffers(appt, *remote) && remote.Updated.After(appt.UpdatedAt) {
				report.Conflicts = append(report.Conflicts, model.Conflict{
					Kind:                model.ConflictExternal,
					Local:               &appts[i],
					Remote:              remote,
					Description:         fmt.Sprintf("%q was edited in Google Calendar after the local copy", appt.Title),
					SuggestedResolution: string(StrategyKeepGoogle),
				})
				skipLocal[appt.ID] = true
				skipRemote[remote.ID] = true
			}
			continue
		}

		// Uncorrelated local vs uncorrelated remote: overlapping intervals.
		for j := range remotes {
			remote := &remotes[j]
			if remote.AppointmentID != "" || skipRemote[remote.ID] {
				continue
			}
			if appt.Overlaps(*remote) {
				report.Conflicts = append(report.Conflicts, model.Conflict{
					Kind:                model.ConflictTimeOverlap,
					Local:               &appts[i],
					Remote:              remote,
					Description:         fmt.Sprintf("%q overlaps remote event %q", appt.Title, remote.Summary),
					SuggestedResolution: string(e.suggestForOverlap(appt, *remote)),
				})
				skipLocal[appt.ID] = true
				skipRemote[remote.ID] = true
				break
			}
		}
	}
	return skipLocal, skipRemote
}

func (e *Engine) suggestForOverlap(appt model.Appointment, remote model.RemoteEvent) Strategy {
	switch e.preference {
	case PreferLocal:
		return StrategyKeepLocal
	case PreferRemote:
		return StrategyKeepGoogle
	default:
		if remote.Updated.After(appt.UpdatedAt) {
			return StrategyKeepGoogle
		}
		return StrategyKeepLocal
	}
}

// contentDiffers reports whether the user-visible fields of a correlated
// pair disagree.
func contentDiffers(appt model.Appointment, remote model.RemoteEvent) bool {
	if appt.Title != remote.Summary {
		return true
	}
	if !appt.Start.Equal(remote.Start) || !appt.End.Equal(remote.End) {
		return true
	}
	if appt.Location != remote.Location {
		return true
	}
	return false
}
