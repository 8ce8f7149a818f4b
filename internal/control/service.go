// ABOUTME: Hand-written gRPC service description for the control protocol
// ABOUTME: One bidirectional Session stream carrying CBOR messages

package control

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "nvagent.v1.Control"

	// SessionMethod is the full method name of the session stream.
	SessionMethod = "/" + ServiceName + "/Session"
)

// SessionServer is the server side of a session stream.
type SessionServer = grpc.BidiStreamingServer[ClientMessage, ServerMessage]

// SessionClient is the client side of a session stream.
type SessionClient = grpc.BidiStreamingClient[ClientMessage, ServerMessage]

// ControlServer is implemented by coordination services.
type ControlServer interface {
	Session(stream SessionServer) error
}

// ServiceDesc describes the Control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "nvagent/v1/control",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlServer).Session(&grpc.GenericServerStream[ClientMessage, ServerMessage]{ServerStream: stream})
}

// OpenSession starts a session stream on cc using the CBOR codec.
func OpenSession(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (SessionClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], SessionMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[ClientMessage, ServerMessage]{ClientStream: stream}, nil
}
