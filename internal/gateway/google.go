package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/imobcrm/agendasync/internal/errs"
	"github.com/imobcrm/agendasync/internal/model"
	"github.com/imobcrm/agendasync/internal/oauth"
)

// TokenProvider is the slice of the oauth client the gateway needs.
type TokenProvider interface {
	ValidAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// GoogleGateway implements EventGateway against the Google Calendar API.
type GoogleGateway struct {
	service *calendar.Service
	tokens  TokenProvider
	log     *zap.Logger
}

var _ EventGateway = (*GoogleGateway)(nil)

// providerTokenSource adapts the oauth client to oauth2.TokenSource. It
// re-reads the store on every call, so a forced refresh between two API
// calls is picked up without rebuilding the service.
type providerTokenSource struct {
	ctx    context.Context
	tokens TokenProvider
}

func (s providerTokenSource) Token() (*oauth2.Token, error) {
	accessToken, err := s.tokens.ValidAccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Minute),
	}, nil
}

// NewGoogleGateway creates a gateway backed by the Google Calendar service.
// Extra options (custom endpoint, custom HTTP client) are appended for
// tests.
func NewGoogleGateway(ctx context.Context, tokens TokenProvider, log *zap.Logger, opts ...option.ClientOption) (*GoogleGateway, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clientOpts := append([]option.ClientOption{
		option.WithTokenSource(providerTokenSource{ctx: ctx, tokens: tokens}),
	}, opts...)
	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &GoogleGateway{service: service, tokens: tokens, log: log}, nil
}

// ListEvents performs a read-only range query. SingleEvents expands
// recurring events into instances.
func (g *GoogleGateway) ListEvents(ctx context.Context, calendarID string, window Window) ([]model.RemoteEvent, error) {
	var events []model.RemoteEvent
	err := g.withAuthRetry(ctx, func() error {
		events = events[:0]
		pageToken := ""
		for {
			call := g.service.Events.List(calendarID).
				TimeMin(window.Min.Format(time.RFC3339)).
				TimeMax(window.Max.Format(time.RFC3339)).
				SingleEvents(true).
				ShowDeleted(false).
				PageToken(pageToken).
				Context(ctx)
			result, err := call.Do()
			if err != nil {
				return err
			}
			for _, item := range result.Items {
				events = append(events, fromGoogleEvent(item))
			}
			if result.NextPageToken == "" {
				return nil
			}
			pageToken = result.NextPageToken
		}
	})
	if err != nil {
		return nil, mapGoogleError("list events", err)
	}
	return events, nil
}

// CreateEvent inserts the appointment as a new remote event.
// sendUpdates=none keeps Google from mailing the attendees.
func (g *GoogleGateway) CreateEvent(ctx context.Context, calendarID string, appt model.Appointment) (model.RemoteEvent, error) {
	var created *calendar.Event
	err := g.withAuthRetry(ctx, func() error {
		var err error
		created, err = g.service.Events.Insert(calendarID, toGoogleEvent(appt)).
			SendUpdates("none").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return model.RemoteEvent{}, mapGoogleError("create event", err)
	}
	return fromGoogleEvent(created), nil
}

// UpdateEvent overwrites the remote event with the appointment's fields.
func (g *GoogleGateway) UpdateEvent(ctx context.Context, calendarID, eventID string, appt model.Appointment) (model.RemoteEvent, error) {
	var updated *calendar.Event
	err := g.withAuthRetry(ctx, func() error {
		var err error
		updated, err = g.service.Events.Update(calendarID, eventID, toGoogleEvent(appt)).
			SendUpdates("none").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return model.RemoteEvent{}, mapGoogleError("update event", err)
	}
	return fromGoogleEvent(updated), nil
}

// DeleteEvent removes the remote event.
func (g *GoogleGateway) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := g.withAuthRetry(ctx, func() error {
		return g.service.Events.Delete(calendarID, eventID).
			SendUpdates("none").
			Context(ctx).
			Do()
	})
	if err != nil {
		return mapGoogleError("delete event", err)
	}
	return nil
}

// withAuthRetry runs the call and, on a 401, forces exactly one token
// refresh and retries once. A second failure is final for this call.
func (g *GoogleGateway) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !isStatus(err, http.StatusUnauthorized) {
		return err
	}

	g.log.Debug("received 401, forcing token refresh")
	if _, rerr := g.tokens.ForceRefresh(ctx); rerr != nil {
		return fmt.Errorf("token refresh after 401 failed: %w", rerr)
	}
	return fn()
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func mapGoogleError(op string, err error) error {
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// compile-time check that the oauth client satisfies TokenProvider.
var _ TokenProvider = (*oauth.Client)(nil)
