// Package locationrpc implements the driver-location gRPC stream, a
// streaming ingest alternative to the setLocation REST verb.
package locationrpc

import "google.golang.org/grpc"

// Update is one location sample from a driver's client.
type Update struct {
	DriverId string
	Lat      float64
	Lng      float64
	Speed    float64
	Accuracy float64
	Ts       int64
}

// Ack closes the stream.
type Ack struct{}

// Server is the gRPC contract driver clients stream against.
type Server interface {
	StreamLocation(Location_StreamLocationServer) error
}

// RegisterServer registers a Server implementation on s.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "dispatch.Location",
		HandlerType: (*Server)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamLocation",
			Handler:       _Location_StreamLocation_Handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, srv)
}

// Location_StreamLocationServer is the bidi stream driver clients use.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*Update, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Server).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(*Ack) error { return nil }

func (s *locationStreamServer) Recv() (*Update, error) {
	msg := new(Update)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
