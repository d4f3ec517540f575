// Package postgres implements store.Store on top of Postgres via
// database/sql and the pgx driver. AcceptOfferAtomic runs the acceptance
// critical section inside a SERIALIZABLE transaction with row-level locks
// instead of the in-memory store's mutex.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/ridefsm"
	"github.com/example/ridellite/internal/store"
)

// Store is a Postgres-backed store.Store.
type Store struct {
	db *sql.DB
}

// New wraps an already-connected *sql.DB, opened with sql.Open("pgx", dsn).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateRide(ctx context.Context, passengerID uuid.UUID, pickup, dropoff domain.Place) (domain.Ride, error) {
	ride := domain.Ride{
		ID:             uuid.New(),
		PassengerID:    passengerID,
		Pickup:         pickup,
		Dropoff:        dropoff,
		Status:         domain.RideSearching,
		Phase:          1,
		SearchRadiusKm: 5,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rides (id, passenger_id, pickup_text, pickup_lat, pickup_lng,
			dropoff_text, dropoff_lat, dropoff_lng, status, phase, search_radius_km,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ride.ID, ride.PassengerID,
		pickup.Text, nullableLat(pickup), nullableLng(pickup),
		dropoff.Text, nullableLat(dropoff), nullableLng(dropoff),
		ride.Status, ride.Phase, ride.SearchRadiusKm, ride.CreatedAt, ride.UpdatedAt)
	if err != nil {
		return domain.Ride{}, dispatcherr.Internally(fmt.Errorf("insert ride: %w", err))
	}
	return ride, nil
}

func nullableLat(p domain.Place) sql.NullFloat64 {
	if !p.HasPt {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Point.Lat, Valid: true}
}

func nullableLng(p domain.Place) sql.NullFloat64 {
	if !p.HasPt {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Point.Lng, Valid: true}
}

const rideColumns = `id, passenger_id, assigned_driver_id, pickup_text, pickup_lat, pickup_lng,
	dropoff_text, dropoff_lat, dropoff_lng, status, phase, search_radius_km,
	phase_expires_at, created_at, updated_at`

func scanRide(row interface{ Scan(...any) error }) (domain.Ride, error) {
	var r domain.Ride
	var assignedDriver uuid.NullUUID
	var pickupLat, pickupLng, dropoffLat, dropoffLng sql.NullFloat64
	var phaseExpiresAt sql.NullTime

	if err := row.Scan(&r.ID, &r.PassengerID, &assignedDriver,
		&r.Pickup.Text, &pickupLat, &pickupLng,
		&r.Dropoff.Text, &dropoffLat, &dropoffLng,
		&r.Status, &r.Phase, &r.SearchRadiusKm,
		&phaseExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.Ride{}, err
	}
	if assignedDriver.Valid {
		id := assignedDriver.UUID
		r.AssignedDriver = &id
	}
	if pickupLat.Valid && pickupLng.Valid {
		r.Pickup.HasPt = true
		r.Pickup.Point = domain.GeoPoint{Lat: pickupLat.Float64, Lng: pickupLng.Float64}
	}
	if dropoffLat.Valid && dropoffLng.Valid {
		r.Dropoff.HasPt = true
		r.Dropoff.Point = domain.GeoPoint{Lat: dropoffLat.Float64, Lng: dropoffLng.Float64}
	}
	if phaseExpiresAt.Valid {
		t := phaseExpiresAt.Time
		r.PhaseExpiresAt = &t
	}
	return r, nil
}

func (s *Store) GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	ride, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ride{}, dispatcherr.Missing("ride not found")
	}
	if err != nil {
		return domain.Ride{}, dispatcherr.Internally(err)
	}
	return ride, nil
}

func (s *Store) ListRidesByPassenger(ctx context.Context, passengerID uuid.UUID, limit int) ([]domain.Ride, error) {
	return s.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE passenger_id = $1 ORDER BY created_at DESC LIMIT $2`, passengerID, sqlLimit(limit))
}

func (s *Store) ListRidesByDriver(ctx context.Context, driverID uuid.UUID, limit int) ([]domain.Ride, error) {
	return s.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE assigned_driver_id = $1 ORDER BY created_at DESC LIMIT $2`, driverID, sqlLimit(limit))
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func (s *Store) queryRides(ctx context.Context, query string, args ...any) ([]domain.Ride, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dispatcherr.Internally(err)
	}
	defer rows.Close()
	var out []domain.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, dispatcherr.Internally(err)
		}
		out = append(out, ride)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRidePhase(ctx context.Context, id uuid.UUID, phase int, radiusKm float64, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rides SET phase = $2, search_radius_km = $3, phase_expires_at = $4,
			status = CASE WHEN status = 'OPEN' THEN 'SEARCHING' ELSE status END,
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('COMPLETED','CANCELED','FAILED')`,
		id, phase, radiusKm, expiresAt)
	if err != nil {
		return dispatcherr.Internally(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dispatcherr.Internally(err)
	}
	if n == 0 {
		exists, err := s.rideExists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return dispatcherr.Missing("ride not found")
		}
		return dispatcherr.Conflicting("ride is terminal")
	}
	return nil
}

func (s *Store) rideExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, dispatcherr.Internally(err)
	}
	return exists, nil
}

func (s *Store) UpdateRideStatusIfOwner(ctx context.Context, rideID, driverID uuid.UUID, newStatus domain.RideStatus) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dispatcherr.Internally(err)
	}
	defer tx.Rollback() //nolint:errcheck

	ride, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dispatcherr.Missing("ride not found")
	}
	if err != nil {
		return 0, dispatcherr.Internally(err)
	}
	if ride.AssignedDriver == nil || *ride.AssignedDriver != driverID {
		return 0, nil
	}
	if err := ridefsm.Validate(ride.Status, newStatus); err != nil {
		return 0, err
	}

	var phaseExpiresAt any
	if !newStatus.Terminal() {
		phaseExpiresAt = ride.PhaseExpiresAt
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rides SET status = $2, phase_expires_at = $3, updated_at = now() WHERE id = $1`,
		rideID, newStatus, phaseExpiresAt); err != nil {
		return 0, dispatcherr.Internally(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, dispatcherr.Internally(err)
	}
	return 1, nil
}

func (s *Store) ListCandidateDrivers(ctx context.Context, filter store.DriverFilter) ([]domain.Driver, error) {
	query := `SELECT id, phone, availability, lat, lng, updated_at FROM drivers WHERE 1=1`
	var args []any
	argN := 1
	if filter.Availability != "" {
		query += fmt.Sprintf(" AND availability = $%d", argN)
		args = append(args, filter.Availability)
		argN++
	}
	if bb := filter.BoundingBox; bb != nil {
		query += fmt.Sprintf(" AND lat BETWEEN $%d AND $%d AND lng BETWEEN $%d AND $%d", argN, argN+1, argN+2, argN+3)
		args = append(args, bb.MinLat, bb.MaxLat, bb.MinLng, bb.MaxLng)
		argN += 4
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dispatcherr.Internally(err)
	}
	defer rows.Close()
	var out []domain.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, dispatcherr.Internally(err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDriver(row interface{ Scan(...any) error }) (domain.Driver, error) {
	var d domain.Driver
	var lat, lng sql.NullFloat64
	if err := row.Scan(&d.ID, &d.Phone, &d.Availability, &lat, &lng, &d.UpdatedAt); err != nil {
		return domain.Driver{}, err
	}
	if lat.Valid && lng.Valid {
		d.Location = &domain.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	return d, nil
}

func (s *Store) CreateOffersSkipDuplicates(ctx context.Context, records []store.OfferRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dispatcherr.Internally(err)
	}
	defer tx.Rollback() //nolint:errcheck

	created := 0
	for _, rec := range records {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ride_offers (id, ride_id, driver_id, status, sent_at, expires_at)
			VALUES ($1,$2,$3,'SENT',$4,$5)
			ON CONFLICT (ride_id, driver_id) DO NOTHING`,
			uuid.New(), rec.RideID, rec.DriverID, rec.SentAt, rec.ExpiresAt)
		if err != nil {
			return 0, dispatcherr.Internally(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, dispatcherr.Internally(err)
		}
		created += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, dispatcherr.Internally(err)
	}
	return created, nil
}

func (s *Store) ExpireSentOffers(ctx context.Context, rideID uuid.UUID, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ride_offers SET status = 'EXPIRED'
		WHERE ride_id = $1 AND status = 'SENT' AND expires_at <= $2`, rideID, now)
	if err != nil {
		return 0, dispatcherr.Internally(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dispatcherr.Internally(err)
	}
	return int(n), nil
}

func (s *Store) ListActiveOffersForDriver(ctx context.Context, driverID uuid.UUID) ([]domain.RideOffer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ride_id, driver_id, status, sent_at, expires_at, accepted_at, rejected_at
		FROM ride_offers WHERE driver_id = $1 AND status = 'SENT'`, driverID)
	if err != nil {
		return nil, dispatcherr.Internally(err)
	}
	defer rows.Close()
	var out []domain.RideOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, dispatcherr.Internally(err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOffer(row interface{ Scan(...any) error }) (domain.RideOffer, error) {
	var o domain.RideOffer
	var acceptedAt, rejectedAt sql.NullTime
	if err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Status, &o.SentAt, &o.ExpiresAt, &acceptedAt, &rejectedAt); err != nil {
		return domain.RideOffer{}, err
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		o.AcceptedAt = &t
	}
	if rejectedAt.Valid {
		t := rejectedAt.Time
		o.RejectedAt = &t
	}
	return o, nil
}

func (s *Store) GetOffer(ctx context.Context, offerID uuid.UUID) (domain.RideOffer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ride_id, driver_id, status, sent_at, expires_at, accepted_at, rejected_at
		FROM ride_offers WHERE id = $1`, offerID)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RideOffer{}, dispatcherr.Missing("offer not found")
	}
	if err != nil {
		return domain.RideOffer{}, dispatcherr.Internally(err)
	}
	return o, nil
}

// AcceptOfferAtomic runs the eleven-step critical section inside a
// SERIALIZABLE transaction: row locks on the offer and ride rows give the
// same single-winner guarantee the memory store gets from its mutex.
func (s *Store) AcceptOfferAtomic(ctx context.Context, offerID, callerDriverID uuid.UUID, now time.Time) (store.AcceptResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}
	defer tx.Rollback() //nolint:errcheck

	offer, err := scanOffer(tx.QueryRowContext(ctx, `
		SELECT id, ride_id, driver_id, status, sent_at, expires_at, accepted_at, rejected_at
		FROM ride_offers WHERE id = $1 FOR UPDATE`, offerID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.AcceptResult{}, dispatcherr.Missing("offer not found")
	}
	if err != nil {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}
	if offer.DriverID != callerDriverID {
		return store.AcceptResult{}, dispatcherr.Forbid("offer not addressed to caller")
	}
	if offer.Status != domain.OfferSent {
		return store.AcceptResult{}, dispatcherr.Conflicting("offer not active")
	}
	if !offer.ExpiresAt.After(now) {
		if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET status = 'EXPIRED' WHERE id = $1`, offerID); err != nil {
			return store.AcceptResult{}, dispatcherr.Internally(err)
		}
		if err := tx.Commit(); err != nil {
			return store.AcceptResult{}, dispatcherr.Internally(err)
		}
		return store.AcceptResult{}, dispatcherr.Conflicting("offer expired")
	}

	ride, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, offer.RideID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.AcceptResult{}, dispatcherr.Missing("ride not found")
	}
	if err != nil {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}
	if ride.AssignedDriver != nil {
		return store.AcceptResult{}, dispatcherr.Conflicting("ride already taken")
	}
	if !ride.Status.Dispatchable() {
		return store.AcceptResult{}, dispatcherr.Conflicting("ride not dispatchable")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rides SET assigned_driver_id = $2, status = 'ACCEPTED', phase_expires_at = NULL, updated_at = $3
		WHERE id = $1`, ride.ID, callerDriverID, now); err != nil {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET status = 'ACCEPTED', accepted_at = $2 WHERE id = $1`, offerID, now); err != nil {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ride_offers SET status = 'EXPIRED' WHERE ride_id = $1 AND status = 'SENT' AND id != $2`,
		ride.ID, offerID); err != nil {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE drivers SET availability = 'BUSY', updated_at = $2 WHERE id = $1`, callerDriverID, now)
	if err != nil {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.AcceptResult{}, dispatcherr.Missing("driver not found")
	}

	var phone sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT phone FROM passenger_contacts WHERE id = $1`, ride.PassengerID).Scan(&phone); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}

	if err := tx.Commit(); err != nil {
		return store.AcceptResult{}, dispatcherr.Internally(err)
	}

	driverID := callerDriverID
	ride.AssignedDriver = &driverID
	ride.Status = domain.RideAccepted
	ride.PhaseExpiresAt = nil
	ride.UpdatedAt = now

	return store.AcceptResult{
		Ride:      ride,
		Passenger: domain.PassengerContact{ID: ride.PassengerID, Phone: phone.String},
	}, nil
}

func (s *Store) SetDriverAvailability(ctx context.Context, driverID uuid.UUID, availability domain.Availability) error {
	if availability != domain.Online && availability != domain.Offline {
		return dispatcherr.Invalid("drivers may only set ONLINE or OFFLINE")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE drivers SET availability = $2, updated_at = now()
		WHERE id = $1 AND NOT ($2 = 'OFFLINE' AND availability = 'BUSY')`, driverID, availability)
	if err != nil {
		return dispatcherr.Internally(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dispatcherr.Internally(err)
	}
	if n == 0 {
		var current domain.Availability
		if err := s.db.QueryRowContext(ctx, `SELECT availability FROM drivers WHERE id = $1`, driverID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return dispatcherr.Missing("driver not found")
			}
			return dispatcherr.Internally(err)
		}
		return dispatcherr.Conflicting("driver has an active ride")
	}
	return nil
}

func (s *Store) SetDriverLocation(ctx context.Context, driverID uuid.UUID, lat, lng float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE drivers SET lat = $2, lng = $3, updated_at = now() WHERE id = $1`, driverID, lat, lng)
	if err != nil {
		return dispatcherr.Internally(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dispatcherr.Internally(err)
	}
	if n == 0 {
		return dispatcherr.Missing("driver not found")
	}
	return nil
}

func (s *Store) GetDriver(ctx context.Context, driverID uuid.UUID) (domain.Driver, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, phone, availability, lat, lng, updated_at FROM drivers WHERE id = $1`, driverID)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Driver{}, dispatcherr.Missing("driver not found")
	}
	if err != nil {
		return domain.Driver{}, dispatcherr.Internally(err)
	}
	return d, nil
}

func (s *Store) ScanStuckSearchingRides(ctx context.Context, now time.Time) ([]domain.Ride, error) {
	return s.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = 'SEARCHING' AND phase_expires_at IS NOT NULL AND phase_expires_at <= $1`, now)
}

func (s *Store) MarkRideFailed(ctx context.Context, rideID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rides SET status = 'FAILED', phase_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status NOT IN ('COMPLETED','CANCELED','FAILED')`, rideID)
	if err != nil {
		return dispatcherr.Internally(err)
	}
	return nil
}

func (s *Store) ListSearchingRides(ctx context.Context) ([]domain.Ride, error) {
	return s.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = 'SEARCHING'`)
}
