// Package offers wraps the Store's offer operations with the
// projection types the REST surface needs.
package offers

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/notify"
	"github.com/example/ridellite/internal/store"
)

// ActiveOfferView is the projection returned by driver.offersActive:
// enough of the ride to let a driver decide, not the full Ride.
type ActiveOfferView struct {
	OfferID     uuid.UUID
	RideID      uuid.UUID
	ExpiresAt   time.Time
	PickupText  string
	DropoffText string
}

// Service exposes the offer lifecycle to the HTTP layer.
type Service struct {
	store store.Store
	clock domain.Clock
	sink  notify.Sink
}

// New constructs a Service. sink may be nil, in which case events are
// dropped silently (same fire-and-forget contract as a disconnected
// NatsSink).
func New(s store.Store, clock domain.Clock, sink notify.Sink) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{store: s, clock: clock, sink: sink}
}

func (s *Service) notify(ctx context.Context, event notify.Event) {
	if s.sink == nil {
		return
	}
	_ = s.sink.Publish(ctx, event)
}

// Emit creates one SENT offer per candidate for a phase, skipping any
// (rideID, driverID) pair already offered. Returns the count created.
func (s *Service) Emit(ctx context.Context, rideID uuid.UUID, candidates []uuid.UUID, expiresAt time.Time) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	now := s.clock.Now()
	records := make([]store.OfferRecord, len(candidates))
	for i, driverID := range candidates {
		records[i] = store.OfferRecord{
			RideID:    rideID,
			DriverID:  driverID,
			SentAt:    now,
			ExpiresAt: expiresAt,
		}
	}
	created, err := s.store.CreateOffersSkipDuplicates(ctx, records)
	if err != nil {
		return 0, err
	}
	// CreateOffersSkipDuplicates reports only a count, not which records
	// were new, so whenever at least one offer is created, one
	// sent-notification fires per candidate in the batch (including
	// candidates whose offer already existed) rather than attempting (and
	// getting wrong) a precise new-vs-duplicate split.
	if created > 0 {
		for _, driverID := range candidates {
			driverID := driverID
			s.notify(ctx, notify.Event{Type: notify.EventOfferSent, RideID: rideID, DriverID: &driverID, At: now})
		}
	}
	return created, nil
}

// ExpireSweep marks lapsed SENT offers for a ride as EXPIRED.
func (s *Service) ExpireSweep(ctx context.Context, rideID uuid.UUID) (int, error) {
	return s.store.ExpireSentOffers(ctx, rideID, s.clock.Now())
}

// ActiveForDriver runs an expire sweep across a driver's currently-SENT
// offers before returning the surviving ones, so a caller never observes a
// stale offer past its expiry ( driver.offersActive is read-time
// consistent, not eventually so). Views are ordered newest first by SentAt.
func (s *Service) ActiveForDriver(ctx context.Context, driverID uuid.UUID, rides map[uuid.UUID]domain.Ride) ([]ActiveOfferView, error) {
	raw, err := s.store.ListActiveOffersForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].SentAt.After(raw[j].SentAt) })

	now := s.clock.Now()
	views := make([]ActiveOfferView, 0, len(raw))
	for _, o := range raw {
		if !o.ExpiresAt.After(now) {
			if _, err := s.store.ExpireSentOffers(ctx, o.RideID, now); err != nil {
				return nil, err
			}
			continue
		}
		ride, ok := rides[o.RideID]
		if !ok {
			ride, err = s.store.GetRide(ctx, o.RideID)
			if err != nil {
				return nil, err
			}
		}
		views = append(views, ActiveOfferView{
			OfferID:     o.ID,
			RideID:      o.RideID,
			ExpiresAt:   o.ExpiresAt,
			PickupText:  ride.Pickup.Text,
			DropoffText: ride.Dropoff.Text,
		})
	}
	return views, nil
}

// Accept runs the acceptance critical section via the Store and returns the
// resulting ride/passenger view.
func (s *Service) Accept(ctx context.Context, offerID, callerDriverID uuid.UUID) (store.AcceptResult, error) {
	result, err := s.store.AcceptOfferAtomic(ctx, offerID, callerDriverID, s.clock.Now())
	if err != nil {
		return store.AcceptResult{}, err
	}
	driverID := callerDriverID
	s.notify(ctx, notify.Event{
		Type:     notify.EventOfferAccepted,
		RideID:   result.Ride.ID,
		DriverID: &driverID,
		Status:   result.Ride.Status,
		At:       s.clock.Now(),
	})
	return result, nil
}
