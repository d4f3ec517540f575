// Package store defines the Store contract: the single source
// of truth for rides, offers and drivers. Implementations live in
// store/memory and store/postgres.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridellite/internal/domain"
)

// DriverFilter selects candidates for listCandidateDrivers. BoundingBox is an optional coarse pre-filter; precise radius
// filtering is the matcher's job.
type DriverFilter struct {
	Availability domain.Availability
	BoundingBox  *BoundingBox
}

// BoundingBox is a coarse lat/lng rectangle a Store MAY use to pre-filter
// candidates before the matcher applies the exact haversine radius.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// OfferRecord is one row to insert via CreateOffersSkipDuplicates.
type OfferRecord struct {
	RideID    uuid.UUID
	DriverID  uuid.UUID
	SentAt    time.Time
	ExpiresAt time.Time
}

// AcceptResult is the return value of AcceptOfferAtomic.
type AcceptResult struct {
	Ride      domain.Ride
	Passenger domain.PassengerContact
}

// Store is the single source of truth for the dispatch core. Every method
// is atomic; callers never need to wrap calls in their own transactions.
// All methods surface *dispatcherr.Error with Kind ∈
// {NotFound, Conflict, InvalidArgument, Internal}, except that
// AcceptOfferAtomic returns Forbidden when the offer belongs to another
// driver.
type Store interface {
	// CreateRide inserts a new ride with status=SEARCHING, phase=1,
	// searchRadiusKm=5.
	CreateRide(ctx context.Context, passengerID uuid.UUID, pickup, dropoff domain.Place) (domain.Ride, error)
	GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error)
	ListRidesByPassenger(ctx context.Context, passengerID uuid.UUID, limit int) ([]domain.Ride, error)
	ListRidesByDriver(ctx context.Context, driverID uuid.UUID, limit int) ([]domain.Ride, error)

	// UpdateRidePhase persists the matcher's phase advance. Conditional on
	// the ride not being terminal.
	UpdateRidePhase(ctx context.Context, id uuid.UUID, phase int, radiusKm float64, expiresAt time.Time) error

	// UpdateRideStatusIfOwner updates status only when the ride's current
	// assignedDriverId equals driverID; returns the number of rows changed
	// (0 or 1). Callers surface Forbidden when count is 0.
	UpdateRideStatusIfOwner(ctx context.Context, rideID, driverID uuid.UUID, newStatus domain.RideStatus) (int, error)

	ListCandidateDrivers(ctx context.Context, filter DriverFilter) ([]domain.Driver, error)

	// CreateOffersSkipDuplicates inserts offers, silently skipping any that
	// would violate the (rideRequestId, driverId) uniqueness constraint
	// Returns the count actually created.
	CreateOffersSkipDuplicates(ctx context.Context, records []OfferRecord) (int, error)

	// ExpireSentOffers marks SENT offers with expiresAt <= now as EXPIRED,
	// returning the count affected.
	ExpireSentOffers(ctx context.Context, rideID uuid.UUID, now time.Time) (int, error)

	ListActiveOffersForDriver(ctx context.Context, driverID uuid.UUID) ([]domain.RideOffer, error)
	GetOffer(ctx context.Context, offerID uuid.UUID) (domain.RideOffer, error)

	// AcceptOfferAtomic runs the acceptance critical section end to end.
	AcceptOfferAtomic(ctx context.Context, offerID, callerDriverID uuid.UUID, now time.Time) (AcceptResult, error)

	// SetDriverAvailability enforces the availability state machine: drivers move only between
	// ONLINE and OFFLINE; BUSY is matcher-only (set via AcceptOfferAtomic).
	// Going OFFLINE while BUSY is rejected with Conflict.
	SetDriverAvailability(ctx context.Context, driverID uuid.UUID, availability domain.Availability) error
	SetDriverLocation(ctx context.Context, driverID uuid.UUID, lat, lng float64) error
	GetDriver(ctx context.Context, driverID uuid.UUID) (domain.Driver, error)

	// ScanStuckSearchingRides returns SEARCHING rides whose phaseExpiresAt
	// is at or before now, for the matcher's crash-recovery sweep.
	ScanStuckSearchingRides(ctx context.Context, now time.Time) ([]domain.Ride, error)

	// MarkRideFailed sets status=FAILED, phaseExpiresAt=nil once all three
	// phases are exhausted with no winner. A no-op if the
	// ride is already terminal.
	MarkRideFailed(ctx context.Context, rideID uuid.UUID) error

	// ListSearchingRides returns every non-terminal ride currently
	// SEARCHING, used alongside ScanStuckSearchingRides on startup to
	// re-arm timers for rides still within their phase window (crash
	// recovery, second case).
	ListSearchingRides(ctx context.Context) ([]domain.Ride, error)
}
