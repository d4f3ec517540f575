package locationrpc

import (
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridellite/internal/domain"
	"github.com/example/ridellite/internal/geoindex"
	"github.com/example/ridellite/internal/store"
)

// StreamServer implements Server, persisting each sample through the
// Store instead of a separate in-memory observer, so a driver's location
// is immediately visible to the matcher's candidate search. It also
// upserts into the geo index so Redis GEOSEARCH stays in sync with the
// Store's own record.
type StreamServer struct {
	store store.Store
	geo   geoindex.Index
	log   *zap.Logger
}

func NewStreamServer(s store.Store, geo geoindex.Index, log *zap.Logger) *StreamServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamServer{store: s, geo: geo, log: log}
}

func (s *StreamServer) StreamLocation(stream Location_StreamLocationServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			return err
		}
		driverID, err := uuid.Parse(msg.DriverId)
		if err != nil {
			s.log.Warn("dropping location update with invalid driver id", zap.String("raw", msg.DriverId))
			continue
		}
		point := domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}
		if err := s.store.SetDriverLocation(stream.Context(), driverID, msg.Lat, msg.Lng); err != nil {
			s.log.Warn("set driver location failed", zap.String("driver", driverID.String()), zap.Error(err))
			continue
		}
		if s.geo != nil {
			if err := s.geo.Upsert(stream.Context(), driverID, point); err != nil {
				s.log.Warn("geo index upsert failed", zap.String("driver", driverID.String()), zap.Error(err))
			}
		}
	}
}
