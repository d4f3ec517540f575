package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/store"
	"github.com/example/ridellite/internal/store/memory"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

func TestCreateRideDefaults(t *testing.T) {
	s := memory.New(stubClock{t: time.Unix(0, 0).UTC()})
	ride, err := s.CreateRide(context.Background(), uuid.New(), domain.Place{Text: "home"}, domain.Place{Text: "work"})
	require.NoError(t, err)
	require.Equal(t, domain.RideSearching, ride.Status)
	require.Equal(t, 1, ride.Phase)
	require.Equal(t, 5.0, ride.SearchRadiusKm)
}

func TestAcceptOfferAtomicHappyPath(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	s := memory.New(stubClock{t: now})
	ctx := context.Background()

	driverID := uuid.New()
	s.RegisterDriver(domain.Driver{ID: driverID, Availability: domain.Online})
	passengerID := uuid.New()
	s.RegisterPassengerContact(domain.PassengerContact{ID: passengerID, Phone: "+10000000"})

	ride, err := s.CreateRide(ctx, passengerID, domain.Place{}, domain.Place{})
	require.NoError(t, err)

	created, err := s.CreateOffersSkipDuplicates(ctx, []store.OfferRecord{
		{RideID: ride.ID, DriverID: driverID, SentAt: now, ExpiresAt: now.Add(15 * time.Second)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, created)

	offers, err := s.ListActiveOffersForDriver(ctx, driverID)
	require.NoError(t, err)
	require.Len(t, offers, 1)

	result, err := s.AcceptOfferAtomic(ctx, offers[0].ID, driverID, now)
	require.NoError(t, err)
	require.Equal(t, domain.RideAccepted, result.Ride.Status)
	require.Equal(t, driverID, *result.Ride.AssignedDriver)
	require.Equal(t, "+10000000", result.Passenger.Phone)

	driver, err := s.GetDriver(ctx, driverID)
	require.NoError(t, err)
	require.Equal(t, domain.Busy, driver.Availability)
}

func TestAcceptOfferAtomicRejectsSecondWinner(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	s := memory.New(stubClock{t: now})
	ctx := context.Background()

	driverA, driverB := uuid.New(), uuid.New()
	s.RegisterDriver(domain.Driver{ID: driverA, Availability: domain.Online})
	s.RegisterDriver(domain.Driver{ID: driverB, Availability: domain.Online})

	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{}, domain.Place{})
	require.NoError(t, err)

	_, err = s.CreateOffersSkipDuplicates(ctx, []store.OfferRecord{
		{RideID: ride.ID, DriverID: driverA, SentAt: now, ExpiresAt: now.Add(15 * time.Second)},
		{RideID: ride.ID, DriverID: driverB, SentAt: now, ExpiresAt: now.Add(15 * time.Second)},
	})
	require.NoError(t, err)

	offersA, err := s.ListActiveOffersForDriver(ctx, driverA)
	require.NoError(t, err)
	offersB, err := s.ListActiveOffersForDriver(ctx, driverB)
	require.NoError(t, err)

	_, err = s.AcceptOfferAtomic(ctx, offersA[0].ID, driverA, now)
	require.NoError(t, err)

	_, err = s.AcceptOfferAtomic(ctx, offersB[0].ID, driverB, now)
	require.Error(t, err)
	require.Equal(t, dispatcherr.Conflict, dispatcherr.As(err))

	loserOffer, err := s.GetOffer(ctx, offersB[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.OfferExpired, loserOffer.Status)
}

func TestAcceptOfferAtomicRejectsExpired(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	s := memory.New(stubClock{t: now})
	ctx := context.Background()

	driverID := uuid.New()
	s.RegisterDriver(domain.Driver{ID: driverID, Availability: domain.Online})
	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{}, domain.Place{})
	require.NoError(t, err)

	_, err = s.CreateOffersSkipDuplicates(ctx, []store.OfferRecord{
		{RideID: ride.ID, DriverID: driverID, SentAt: now.Add(-time.Minute), ExpiresAt: now.Add(-time.Second)},
	})
	require.NoError(t, err)

	offers, err := s.ListActiveOffersForDriver(ctx, driverID)
	require.NoError(t, err)

	_, err = s.AcceptOfferAtomic(ctx, offers[0].ID, driverID, now)
	require.Error(t, err)
	require.Equal(t, dispatcherr.Conflict, dispatcherr.As(err))
}

func TestSetDriverAvailabilityRejectsOfflineWhileBusy(t *testing.T) {
	s := memory.New(stubClock{t: time.Unix(0, 0).UTC()})
	ctx := context.Background()
	driverID := uuid.New()
	s.RegisterDriver(domain.Driver{ID: driverID, Availability: domain.Busy})

	err := s.SetDriverAvailability(ctx, driverID, domain.Offline)
	require.Error(t, err)
	require.Equal(t, dispatcherr.Conflict, dispatcherr.As(err))
}

func TestUpdateRideStatusIfOwnerRejectsNonOwner(t *testing.T) {
	s := memory.New(stubClock{t: time.Unix(0, 0).UTC()})
	ctx := context.Background()
	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{}, domain.Place{})
	require.NoError(t, err)

	count, err := s.UpdateRideStatusIfOwner(ctx, ride.ID, uuid.New(), domain.RideArriving)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
