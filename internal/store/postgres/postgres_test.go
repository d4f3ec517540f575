package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/store"
	"github.com/example/ridellite/internal/store/postgres"
)

func startPostgres(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	pg, err := postgrescontainer.RunContainer(ctx,
		testcontainers.WithImage("postgres:16"),
		postgrescontainer.WithDatabase("ridellite"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections")))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pg.Terminate(ctx)) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })

	schema, err := os.ReadFile("schema.sql")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, string(schema))
	require.NoError(t, err)
	return db
}

func seedDriver(t *testing.T, ctx context.Context, db *sql.DB, id uuid.UUID, phone string) {
	t.Helper()
	_, err := db.ExecContext(ctx, `INSERT INTO drivers (id, phone, availability) VALUES ($1, $2, 'ONLINE')`, id, phone)
	require.NoError(t, err)
}

func TestCreateAndGetRide(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	s := postgres.New(db)

	passengerID := uuid.New()
	created, err := s.CreateRide(ctx, passengerID, domain.Place{Text: "airport"}, domain.Place{Text: "downtown"})
	require.NoError(t, err)
	require.Equal(t, domain.RideSearching, created.Status)

	fetched, err := s.GetRide(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, "airport", fetched.Pickup.Text)
}

func TestAcceptOfferAtomicSecondWinnerConflicts(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	s := postgres.New(db)

	driverA := uuid.New()
	driverB := uuid.New()
	seedDriver(t, ctx, db, driverA, "+10000000001")
	seedDriver(t, ctx, db, driverB, "+10000000002")

	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{}, domain.Place{})
	require.NoError(t, err)

	now := time.Now().UTC()
	created, err := s.CreateOffersSkipDuplicates(ctx, []store.OfferRecord{
		{RideID: ride.ID, DriverID: driverA, SentAt: now, ExpiresAt: now.Add(time.Minute)},
		{RideID: ride.ID, DriverID: driverB, SentAt: now, ExpiresAt: now.Add(time.Minute)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, created)

	offersA, err := s.ListActiveOffersForDriver(ctx, driverA)
	require.NoError(t, err)
	require.Len(t, offersA, 1)
	offersB, err := s.ListActiveOffersForDriver(ctx, driverB)
	require.NoError(t, err)
	require.Len(t, offersB, 1)

	result, err := s.AcceptOfferAtomic(ctx, offersA[0].ID, driverA, now)
	require.NoError(t, err)
	require.Equal(t, driverA, *result.Ride.AssignedDriver)

	_, err = s.AcceptOfferAtomic(ctx, offersB[0].ID, driverB, now)
	require.Error(t, err)
	require.Equal(t, dispatcherr.Conflict, dispatcherr.As(err))
}

func TestCreateOffersSkipDuplicatesRespectsUniqueConstraint(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	s := postgres.New(db)

	driverID := uuid.New()
	seedDriver(t, ctx, db, driverID, "+10000000003")
	ride, err := s.CreateRide(ctx, uuid.New(), domain.Place{}, domain.Place{})
	require.NoError(t, err)

	now := time.Now().UTC()
	record := store.OfferRecord{RideID: ride.ID, DriverID: driverID, SentAt: now, ExpiresAt: now.Add(time.Minute)}

	created, err := s.CreateOffersSkipDuplicates(ctx, []store.OfferRecord{record})
	require.NoError(t, err)
	require.Equal(t, 1, created)

	created, err = s.CreateOffersSkipDuplicates(ctx, []store.OfferRecord{record})
	require.NoError(t, err)
	require.Equal(t, 0, created)
}
