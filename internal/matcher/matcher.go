// Package matcher implements the three-phase offer-broadcast controller:
// expand the search radius across phases, emit offers to online drivers,
// and fail the ride once every phase is exhausted.
package matcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/geoindex"
	"github.com/example/ridellite/internal/offers"
	"github.com/example/ridellite/internal/store"
)

// PhaseConfig is one row of the radius/TTL table.
type PhaseConfig struct {
	RadiusKm float64
	TTL      time.Duration
}

// DefaultPhases is the default phase table: 5km/15s, 5km/7s, 10km/12s.
var DefaultPhases = []PhaseConfig{
	{RadiusKm: 5, TTL: 15 * time.Second},
	{RadiusKm: 5, TTL: 7 * time.Second},
	{RadiusKm: 10, TTL: 12 * time.Second},
}

// Matcher owns the async per-ride phase sequence. In-process timers are
// advisory only: every decision it makes is derived by re-reading the
// Store, so a crash loses only the timer, never the state.
type Matcher struct {
	store  store.Store
	geo    geoindex.Index
	offers *offers.Service
	clock  domain.Clock
	log    *zap.Logger
	phases []PhaseConfig
}

// New constructs a Matcher. phases defaults to DefaultPhases when nil.
func New(s store.Store, geo geoindex.Index, offerSvc *offers.Service, clock domain.Clock, log *zap.Logger, phases []PhaseConfig) *Matcher {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if len(phases) == 0 {
		phases = DefaultPhases
	}
	return &Matcher{store: s, geo: geo, offers: offerSvc, clock: clock, log: log, phases: phases}
}

// Start launches phase 1 for a newly created ride in the background.
func (m *Matcher) Start(ctx context.Context, rideID uuid.UUID) {
	go m.runPhase(ctx, rideID, 1)
}

// runPhase broadcasts offers for phase P on ride R and waits out its TTL.
func (m *Matcher) runPhase(ctx context.Context, rideID uuid.UUID, phase int) {
	if _, err := m.offers.ExpireSweep(ctx, rideID); err != nil {
		m.log.Error("expire sweep failed", zap.String("ride", rideID.String()), zap.Error(err))
		return
	}

	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		m.log.Error("reload ride failed", zap.String("ride", rideID.String()), zap.Error(err))
		return
	}
	if ride.Status.Terminal() || ride.AssignedDriver != nil {
		return
	}

	cfg := m.phases[phase-1]
	now := m.clock.Now()
	expiresAt := now.Add(cfg.TTL)

	if err := m.store.UpdateRidePhase(ctx, rideID, phase, cfg.RadiusKm, expiresAt); err != nil {
		if dispatcherr.Is(err, dispatcherr.Conflict) {
			return // ride went terminal between reload and persist
		}
		m.log.Error("persist phase failed", zap.String("ride", rideID.String()), zap.Error(err))
		return
	}

	candidates, err := m.candidateDrivers(ctx, ride, cfg.RadiusKm)
	if err != nil {
		m.log.Error("candidate selection failed", zap.String("ride", rideID.String()), zap.Error(err))
		return
	}

	created, err := m.offers.Emit(ctx, rideID, candidates, expiresAt)
	if err != nil {
		m.log.Error("offer emission failed", zap.String("ride", rideID.String()), zap.Error(err))
		return
	}

	if created == 0 {
		if phase < len(m.phases) {
			m.runPhase(ctx, rideID, phase+1)
			return
		}
		m.fail(ctx, rideID)
		return
	}

	m.log.Info("phase offers sent",
		zap.String("ride", rideID.String()), zap.Int("phase", phase), zap.Int("count", created))

	time.AfterFunc(cfg.TTL, func() {
		m.onPhaseEnd(context.Background(), rideID, phase)
	})
}

// onPhaseEnd advances to the next phase or fails the ride if none remain.
func (m *Matcher) onPhaseEnd(ctx context.Context, rideID uuid.UUID, phase int) {
	if _, err := m.offers.ExpireSweep(ctx, rideID); err != nil {
		m.log.Error("expire sweep failed", zap.String("ride", rideID.String()), zap.Error(err))
		return
	}

	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		m.log.Error("reload ride failed", zap.String("ride", rideID.String()), zap.Error(err))
		return
	}
	if ride.Status.Terminal() || ride.AssignedDriver != nil {
		return
	}

	if phase < len(m.phases) {
		m.runPhase(ctx, rideID, phase+1)
		return
	}
	m.fail(ctx, rideID)
}

func (m *Matcher) fail(ctx context.Context, rideID uuid.UUID) {
	if err := m.store.MarkRideFailed(ctx, rideID); err != nil {
		m.log.Error("mark ride failed", zap.String("ride", rideID.String()), zap.Error(err))
	}
}

// candidateDrivers selects all ONLINE drivers, filtered to the phase radius
// when the ride has pickup coordinates. The geoindex is a spatial lookup
// only and is never pruned on availability change, so a radius hit is
// always intersected against the store's current ONLINE set before it is
// offered the ride.
func (m *Matcher) candidateDrivers(ctx context.Context, ride domain.Ride, radiusKm float64) ([]uuid.UUID, error) {
	onlineDrivers, err := m.store.ListCandidateDrivers(ctx, store.DriverFilter{Availability: domain.Online})
	if err != nil {
		return nil, err
	}
	if !ride.Pickup.HasPt {
		ids := make([]uuid.UUID, len(onlineDrivers))
		for i, d := range onlineDrivers {
			ids[i] = d.ID
		}
		return ids, nil
	}

	online := make(map[uuid.UUID]bool, len(onlineDrivers))
	for _, d := range onlineDrivers {
		online[d.ID] = true
	}

	nearby, err := m.geo.Nearby(ctx, ride.Pickup.Point, radiusKm, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(nearby))
	for _, id := range nearby {
		if online[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// RecoverOnStartup implements crash recovery: rides whose phase
// already expired are treated as if their callback had just fired; rides
// still within their phase window get their timer re-armed for the
// remaining interval.
func (m *Matcher) RecoverOnStartup(ctx context.Context) error {
	now := m.clock.Now()
	stuck, err := m.store.ScanStuckSearchingRides(ctx, now)
	if err != nil {
		return err
	}
	stuckIDs := make(map[uuid.UUID]bool, len(stuck))
	for _, ride := range stuck {
		stuckIDs[ride.ID] = true
		m.log.Info("recovering stuck ride", zap.String("ride", ride.ID.String()), zap.Int("phase", ride.Phase))
		go m.onPhaseEnd(context.Background(), ride.ID, ride.Phase)
	}

	searching, err := m.store.ListSearchingRides(ctx)
	if err != nil {
		return err
	}
	for _, ride := range searching {
		if !stuckIDs[ride.ID] {
			m.RearmTimer(ride)
		}
	}
	return nil
}

// RearmTimer re-schedules a phase-end callback for a ride whose
// phaseExpiresAt is still in the future, for rides discovered mid-phase on
// startup (companion to RecoverOnStartup for the non-expired case).
func (m *Matcher) RearmTimer(ride domain.Ride) {
	if ride.PhaseExpiresAt == nil {
		return
	}
	remaining := ride.PhaseExpiresAt.Sub(m.clock.Now())
	if remaining <= 0 {
		return
	}
	time.AfterFunc(remaining, func() {
		m.onPhaseEnd(context.Background(), ride.ID, ride.Phase)
	})
}
