package locationrpc_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/geoindex"
	"github.com/example/ridellite/internal/locationrpc"
	"github.com/example/ridellite/internal/store/memory"
)

type fakeStream struct {
	grpc.ServerStream
	updates []*locationrpc.Update
	pos     int
	acked   bool
}

func (f *fakeStream) Context() context.Context { return context.Background() }

func (f *fakeStream) Recv() (*locationrpc.Update, error) {
	if f.pos >= len(f.updates) {
		return nil, io.EOF
	}
	u := f.updates[f.pos]
	f.pos++
	return u, nil
}

func (f *fakeStream) SendAndClose(*locationrpc.Ack) error {
	f.acked = true
	return nil
}

func TestStreamLocationPersistsThroughStore(t *testing.T) {
	clock := stubClock{time.Unix(0, 0).UTC()}
	s := memory.New(clock)
	driverID := uuid.New()
	s.RegisterDriver(domain.Driver{ID: driverID, Availability: domain.Online})

	geo := geoindex.NewMemoryIndex()
	server := locationrpc.NewStreamServer(s, geo, nil)

	stream := &fakeStream{updates: []*locationrpc.Update{
		{DriverId: driverID.String(), Lat: 48.85, Lng: 2.35},
	}}
	require.NoError(t, server.StreamLocation(stream))
	require.True(t, stream.acked)

	driver, err := s.GetDriver(context.Background(), driverID)
	require.NoError(t, err)
	require.NotNil(t, driver.Location)
	require.Equal(t, 48.85, driver.Location.Lat)

	ids, err := geo.Nearby(context.Background(), domain.GeoPoint{Lat: 48.85, Lng: 2.35}, 1, 0)
	require.NoError(t, err)
	require.Contains(t, ids, driverID)
}

func TestStreamLocationSkipsInvalidDriverID(t *testing.T) {
	clock := stubClock{time.Unix(0, 0).UTC()}
	s := memory.New(clock)
	server := locationrpc.NewStreamServer(s, nil, nil)

	stream := &fakeStream{updates: []*locationrpc.Update{
		{DriverId: "not-a-uuid", Lat: 1, Lng: 1},
	}}
	require.NoError(t, server.StreamLocation(stream))
	require.True(t, stream.acked)
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }
