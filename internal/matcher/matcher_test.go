package matcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/geoindex"
	"github.com/example/ridellite/internal/matcher"
	"github.com/example/ridellite/internal/offers"
	"github.com/example/ridellite/internal/store/memory"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestRunPhaseEmitsOffersToOnlineDrivers(t *testing.T) {
	clock := stubClock{t: time.Now()}
	s := memory.New(clock)
	geo := geoindex.NewMemoryIndex()
	offerSvc := offers.New(s, clock, nil)
	ctx := context.Background()

	driverID := uuid.New()
	s.RegisterDriver(domain.Driver{ID: driverID, Availability: domain.Online})
	require.NoError(t, geo.Upsert(ctx, driverID, domain.GeoPoint{Lat: 1, Lng: 1}))

	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{HasPt: true, Point: domain.GeoPoint{Lat: 1, Lng: 1}}, domain.Place{})
	require.NoError(t, err)

	m := matcher.New(s, geo, offerSvc, clock, nil, []matcher.PhaseConfig{
		{RadiusKm: 5, TTL: 50 * time.Millisecond},
		{RadiusKm: 5, TTL: 50 * time.Millisecond},
		{RadiusKm: 10, TTL: 50 * time.Millisecond},
	})
	m.Start(ctx, ride.ID)

	waitFor(t, time.Second, func() bool {
		views, _ := offerSvc.ActiveForDriver(ctx, driverID, nil)
		return len(views) == 1
	})
}

func TestCandidateDriversExcludesNonOnlineGeoindexHits(t *testing.T) {
	clock := stubClock{t: time.Now()}
	s := memory.New(clock)
	geo := geoindex.NewMemoryIndex()
	offerSvc := offers.New(s, clock, nil)
	ctx := context.Background()

	busyDriver := uuid.New()
	s.RegisterDriver(domain.Driver{ID: busyDriver, Availability: domain.Busy})
	require.NoError(t, geo.Upsert(ctx, busyDriver, domain.GeoPoint{Lat: 1, Lng: 1}))

	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{HasPt: true, Point: domain.GeoPoint{Lat: 1, Lng: 1}}, domain.Place{})
	require.NoError(t, err)

	m := matcher.New(s, geo, offerSvc, clock, nil, []matcher.PhaseConfig{
		{RadiusKm: 5, TTL: time.Minute},
		{RadiusKm: 5, TTL: time.Minute},
		{RadiusKm: 10, TTL: time.Minute},
	})
	m.Start(ctx, ride.ID)

	waitFor(t, time.Second, func() bool {
		r, _ := s.GetRide(ctx, ride.ID)
		return r.Status == domain.RideFailed
	})

	offersBusy, err := offerSvc.ActiveForDriver(ctx, busyDriver, nil)
	require.NoError(t, err)
	require.Empty(t, offersBusy)
}

func TestPhaseAdvancesImmediatelyWhenNoCandidates(t *testing.T) {
	clock := stubClock{t: time.Now()}
	s := memory.New(clock)
	geo := geoindex.NewMemoryIndex()
	offerSvc := offers.New(s, clock, nil)
	ctx := context.Background()

	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{}, domain.Place{})
	require.NoError(t, err)

	m := matcher.New(s, geo, offerSvc, clock, nil, []matcher.PhaseConfig{
		{RadiusKm: 5, TTL: time.Minute},
		{RadiusKm: 5, TTL: time.Minute},
		{RadiusKm: 10, TTL: time.Minute},
	})
	m.Start(ctx, ride.ID)

	waitFor(t, time.Second, func() bool {
		r, _ := s.GetRide(ctx, ride.ID)
		return r.Status == domain.RideFailed
	})
}

func TestRideExitsSearchingWhenAccepted(t *testing.T) {
	clock := stubClock{t: time.Now()}
	s := memory.New(clock)
	geo := geoindex.NewMemoryIndex()
	offerSvc := offers.New(s, clock, nil)
	ctx := context.Background()

	driverID := uuid.New()
	s.RegisterDriver(domain.Driver{ID: driverID, Availability: domain.Online})
	require.NoError(t, geo.Upsert(ctx, driverID, domain.GeoPoint{Lat: 1, Lng: 1}))

	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{HasPt: true, Point: domain.GeoPoint{Lat: 1, Lng: 1}}, domain.Place{})
	require.NoError(t, err)

	m := matcher.New(s, geo, offerSvc, clock, nil, []matcher.PhaseConfig{
		{RadiusKm: 5, TTL: 30 * time.Millisecond},
		{RadiusKm: 5, TTL: 30 * time.Millisecond},
		{RadiusKm: 10, TTL: 30 * time.Millisecond},
	})
	m.Start(ctx, ride.ID)

	var offerID uuid.UUID
	waitFor(t, time.Second, func() bool {
		views, _ := offerSvc.ActiveForDriver(ctx, driverID, nil)
		if len(views) == 1 {
			offerID = views[0].OfferID
			return true
		}
		return false
	})

	_, err = offerSvc.Accept(ctx, offerID, driverID)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	r, err := s.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RideAccepted, r.Status)
}
