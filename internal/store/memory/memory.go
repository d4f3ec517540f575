// Package memory is the in-memory reference implementation of store.Store,
// used for unit tests and local runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/geo"
	"github.com/example/ridellite/internal/ridefsm"
	"github.com/example/ridellite/internal/store"
)

// Store is a mutex-guarded, in-process store.Store implementation.
type Store struct {
	mu sync.Mutex

	rides     map[uuid.UUID]domain.Ride
	offers    map[uuid.UUID]domain.RideOffer
	drivers   map[uuid.UUID]domain.Driver
	phoneByID map[uuid.UUID]string // passenger phone book, out-of-band data

	clock domain.Clock
}

// New constructs an empty Store.
func New(clock domain.Clock) *Store {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Store{
		rides:     make(map[uuid.UUID]domain.Ride),
		offers:    make(map[uuid.UUID]domain.RideOffer),
		drivers:   make(map[uuid.UUID]domain.Driver),
		phoneByID: make(map[uuid.UUID]string),
		clock:     clock,
	}
}

// RegisterDriver seeds a driver (stand-in for the out-of-band registration
// process; registered out-of-band).
func (s *Store) RegisterDriver(d domain.Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.ID] = d
}

// RegisterPassengerContact seeds passenger contact info for the acceptance response's
// join, standing in for the out-of-band passenger account system.
func (s *Store) RegisterPassengerContact(c domain.PassengerContact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phoneByID[c.ID] = c.Phone
}

func (s *Store) CreateRide(_ context.Context, passengerID uuid.UUID, pickup, dropoff domain.Place) (domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ride := domain.Ride{
		ID:             uuid.New(),
		PassengerID:    passengerID,
		Pickup:         pickup,
		Dropoff:        dropoff,
		Status:         domain.RideSearching,
		Phase:          1,
		SearchRadiusKm: 5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.rides[ride.ID] = ride
	return ride, nil
}

func (s *Store) GetRide(_ context.Context, id uuid.UUID) (domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return domain.Ride{}, dispatcherr.Missing("ride not found")
	}
	return r, nil
}

func (s *Store) ListRidesByPassenger(_ context.Context, passengerID uuid.UUID, limit int) ([]domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ride
	for _, r := range s.rides {
		if r.PassengerID == passengerID {
			out = append(out, r)
		}
	}
	return limitRides(out, limit), nil
}

func (s *Store) ListRidesByDriver(_ context.Context, driverID uuid.UUID, limit int) ([]domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ride
	for _, r := range s.rides {
		if r.AssignedDriver != nil && *r.AssignedDriver == driverID {
			out = append(out, r)
		}
	}
	return limitRides(out, limit), nil
}

func limitRides(rides []domain.Ride, limit int) []domain.Ride {
	sort.Slice(rides, func(i, j int) bool { return rides[i].CreatedAt.After(rides[j].CreatedAt) })
	if limit > 0 && len(rides) > limit {
		return rides[:limit]
	}
	return rides
}

func (s *Store) UpdateRidePhase(_ context.Context, id uuid.UUID, phase int, radiusKm float64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return dispatcherr.Missing("ride not found")
	}
	if r.Status.Terminal() {
		return dispatcherr.Conflicting("ride is terminal")
	}
	r.Phase = phase
	r.SearchRadiusKm = radiusKm
	r.PhaseExpiresAt = &expiresAt
	if r.Status == domain.RideOpen {
		r.Status = domain.RideSearching
	}
	r.UpdatedAt = s.clock.Now()
	s.rides[id] = r
	return nil
}

func (s *Store) UpdateRideStatusIfOwner(_ context.Context, rideID, driverID uuid.UUID, newStatus domain.RideStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[rideID]
	if !ok {
		return 0, dispatcherr.Missing("ride not found")
	}
	if r.AssignedDriver == nil || *r.AssignedDriver != driverID {
		return 0, nil
	}
	if err := ridefsm.Validate(r.Status, newStatus); err != nil {
		return 0, err
	}
	r.Status = newStatus
	r.UpdatedAt = s.clock.Now()
	if newStatus.Terminal() {
		r.PhaseExpiresAt = nil
	}
	s.rides[rideID] = r
	return 1, nil
}

func (s *Store) ListCandidateDrivers(_ context.Context, filter store.DriverFilter) ([]domain.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Driver
	for _, d := range s.drivers {
		if filter.Availability != "" && d.Availability != filter.Availability {
			continue
		}
		if filter.BoundingBox != nil {
			if d.Location == nil {
				continue
			}
			bb := filter.BoundingBox
			if d.Location.Lat < bb.MinLat || d.Location.Lat > bb.MaxLat ||
				d.Location.Lng < bb.MinLng || d.Location.Lng > bb.MaxLng {
				continue
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) CreateOffersSkipDuplicates(_ context.Context, records []store.OfferRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[[2]uuid.UUID]struct{})
	for _, o := range s.offers {
		existing[[2]uuid.UUID{o.RideID, o.DriverID}] = struct{}{}
	}

	created := 0
	for _, rec := range records {
		key := [2]uuid.UUID{rec.RideID, rec.DriverID}
		if _, dup := existing[key]; dup {
			continue
		}
		offer := domain.RideOffer{
			ID:        uuid.New(),
			RideID:    rec.RideID,
			DriverID:  rec.DriverID,
			Status:    domain.OfferSent,
			SentAt:    rec.SentAt,
			ExpiresAt: rec.ExpiresAt,
		}
		s.offers[offer.ID] = offer
		existing[key] = struct{}{}
		created++
	}
	return created, nil
}

func (s *Store) ExpireSentOffers(_ context.Context, rideID uuid.UUID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, o := range s.offers {
		if o.RideID != rideID || o.Status != domain.OfferSent {
			continue
		}
		if !o.ExpiresAt.After(now) {
			o.Status = domain.OfferExpired
			s.offers[id] = o
			count++
		}
	}
	return count, nil
}

func (s *Store) ListActiveOffersForDriver(_ context.Context, driverID uuid.UUID) ([]domain.RideOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RideOffer
	for _, o := range s.offers {
		if o.DriverID == driverID && o.Status == domain.OfferSent {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Store) GetOffer(_ context.Context, offerID uuid.UUID) (domain.RideOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok {
		return domain.RideOffer{}, dispatcherr.Missing("offer not found")
	}
	return o, nil
}

// AcceptOfferAtomic runs the acceptance critical section under the store's single
// mutex, which is sufficient for single-process atomicity; the postgres
// implementation achieves the same guarantee with a SERIALIZABLE
// transaction (see store/postgres).
func (s *Store) AcceptOfferAtomic(_ context.Context, offerID, callerDriverID uuid.UUID, now time.Time) (store.AcceptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[offerID]
	if !ok {
		return store.AcceptResult{}, dispatcherr.Missing("offer not found")
	}
	if offer.DriverID != callerDriverID {
		return store.AcceptResult{}, dispatcherr.Forbid("offer not addressed to caller")
	}
	if offer.Status != domain.OfferSent {
		return store.AcceptResult{}, dispatcherr.Conflicting("offer not active")
	}
	if !offer.ExpiresAt.After(now) {
		offer.Status = domain.OfferExpired
		s.offers[offerID] = offer
		return store.AcceptResult{}, dispatcherr.Conflicting("offer expired")
	}

	ride, ok := s.rides[offer.RideID]
	if !ok {
		return store.AcceptResult{}, dispatcherr.Missing("ride not found")
	}
	if ride.AssignedDriver != nil {
		return store.AcceptResult{}, dispatcherr.Conflicting("ride already taken")
	}
	if !ride.Status.Dispatchable() {
		return store.AcceptResult{}, dispatcherr.Conflicting("ride not dispatchable")
	}

	driverID := callerDriverID
	ride.AssignedDriver = &driverID
	ride.Status = domain.RideAccepted
	ride.PhaseExpiresAt = nil
	ride.UpdatedAt = now
	s.rides[ride.ID] = ride

	offer.Status = domain.OfferAccepted
	offer.AcceptedAt = &now
	s.offers[offer.ID] = offer

	for id, o := range s.offers {
		if o.RideID == ride.ID && o.Status == domain.OfferSent && id != offer.ID {
			o.Status = domain.OfferExpired
			s.offers[id] = o
		}
	}

	driver, ok := s.drivers[callerDriverID]
	if !ok {
		return store.AcceptResult{}, dispatcherr.Missing("driver not found")
	}
	driver.Availability = domain.Busy
	driver.UpdatedAt = now
	s.drivers[callerDriverID] = driver

	return store.AcceptResult{
		Ride: ride,
		Passenger: domain.PassengerContact{
			ID:    ride.PassengerID,
			Phone: s.phoneByID[ride.PassengerID],
		},
	}, nil
}

func (s *Store) SetDriverAvailability(_ context.Context, driverID uuid.UUID, availability domain.Availability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[driverID]
	if !ok {
		return dispatcherr.Missing("driver not found")
	}
	if availability != domain.Online && availability != domain.Offline {
		return dispatcherr.Invalid("drivers may only set ONLINE or OFFLINE")
	}
	if availability == domain.Offline && d.Availability == domain.Busy {
		return dispatcherr.Conflicting("driver has an active ride")
	}
	d.Availability = availability
	d.UpdatedAt = s.clock.Now()
	s.drivers[driverID] = d
	return nil
}

func (s *Store) SetDriverLocation(_ context.Context, driverID uuid.UUID, lat, lng float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[driverID]
	if !ok {
		return dispatcherr.Missing("driver not found")
	}
	if _, err := geo.DistanceKm(domain.GeoPoint{Lat: lat, Lng: lng}, domain.GeoPoint{Lat: lat, Lng: lng}, 0); err != nil {
		return err
	}
	d.Location = &domain.GeoPoint{Lat: lat, Lng: lng}
	d.UpdatedAt = s.clock.Now()
	s.drivers[driverID] = d
	return nil
}

func (s *Store) GetDriver(_ context.Context, driverID uuid.UUID) (domain.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[driverID]
	if !ok {
		return domain.Driver{}, dispatcherr.Missing("driver not found")
	}
	return d, nil
}

func (s *Store) MarkRideFailed(_ context.Context, rideID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[rideID]
	if !ok {
		return dispatcherr.Missing("ride not found")
	}
	if r.Status.Terminal() {
		return nil
	}
	r.Status = domain.RideFailed
	r.PhaseExpiresAt = nil
	r.UpdatedAt = s.clock.Now()
	s.rides[rideID] = r
	return nil
}

func (s *Store) ScanStuckSearchingRides(_ context.Context, now time.Time) ([]domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ride
	for _, r := range s.rides {
		if r.Status == domain.RideSearching && r.PhaseExpiresAt != nil && !r.PhaseExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListSearchingRides(_ context.Context) ([]domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ride
	for _, r := range s.rides {
		if r.Status == domain.RideSearching {
			out = append(out, r)
		}
	}
	return out, nil
}
