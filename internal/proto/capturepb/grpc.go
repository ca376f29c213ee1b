// gRPC client and server glue for the CaptureService defined in
// proto/capture.proto, hand-written in the protoc-gen-go-grpc shape for the
// same reason the message types in capture.go are (no protoc toolchain in
// this build environment).

package capturepb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func errUnimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// CaptureService_ServiceFullName is the fully qualified service name used in
// RPC method paths.
const CaptureService_ServiceFullName = "captrace.CaptureService"

// CaptureServiceClient is the client API for the CaptureService.
type CaptureServiceClient interface {
	// RegisterCapture exchanges identity metadata and returns a stable
	// producer_id embedded in every subsequent envelope.
	RegisterCapture(ctx context.Context, in *CaptureRegistration, opts ...grpc.CallOption) (*CaptureAck, error)
	// StreamCaptureEvents is a bidirectional stream of envelopes; the daemon
	// acks each one so the client can drive spool retirement.
	StreamCaptureEvents(ctx context.Context, opts ...grpc.CallOption) (CaptureService_StreamCaptureEventsClient, error)
}

type captureServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewCaptureServiceClient wraps cc in the CaptureService client API.
func NewCaptureServiceClient(cc grpc.ClientConnInterface) CaptureServiceClient {
	return &captureServiceClient{cc}
}

func (c *captureServiceClient) RegisterCapture(ctx context.Context, in *CaptureRegistration, opts ...grpc.CallOption) (*CaptureAck, error) {
	out := new(CaptureAck)
	err := c.cc.Invoke(ctx, "/captrace.CaptureService/RegisterCapture", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *captureServiceClient) StreamCaptureEvents(ctx context.Context, opts ...grpc.CallOption) (CaptureService_StreamCaptureEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &CaptureService_ServiceDesc.Streams[0], "/captrace.CaptureService/StreamCaptureEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &captureServiceStreamCaptureEventsClient{stream}, nil
}

// CaptureService_StreamCaptureEventsClient is the client side of the
// StreamCaptureEvents bidirectional stream.
type CaptureService_StreamCaptureEventsClient interface {
	Send(*CaptureEventEnvelope) error
	Recv() (*CaptureAck, error)
	grpc.ClientStream
}

type captureServiceStreamCaptureEventsClient struct {
	grpc.ClientStream
}

func (x *captureServiceStreamCaptureEventsClient) Send(m *CaptureEventEnvelope) error {
	return x.ClientStream.SendMsg(m)
}

func (x *captureServiceStreamCaptureEventsClient) Recv() (*CaptureAck, error) {
	m := new(CaptureAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CaptureServiceServer is the server API for the CaptureService. All
// implementations must embed UnimplementedCaptureServiceServer for forward
// compatibility.
type CaptureServiceServer interface {
	RegisterCapture(context.Context, *CaptureRegistration) (*CaptureAck, error)
	StreamCaptureEvents(CaptureService_StreamCaptureEventsServer) error
	mustEmbedUnimplementedCaptureServiceServer()
}

// UnimplementedCaptureServiceServer must be embedded to have
// forward-compatible implementations.
type UnimplementedCaptureServiceServer struct{}

func (UnimplementedCaptureServiceServer) RegisterCapture(context.Context, *CaptureRegistration) (*CaptureAck, error) {
	return nil, errUnimplemented("RegisterCapture")
}

func (UnimplementedCaptureServiceServer) StreamCaptureEvents(CaptureService_StreamCaptureEventsServer) error {
	return errUnimplemented("StreamCaptureEvents")
}

func (UnimplementedCaptureServiceServer) mustEmbedUnimplementedCaptureServiceServer() {}

// RegisterCaptureServiceServer registers srv with the gRPC server s.
func RegisterCaptureServiceServer(s grpc.ServiceRegistrar, srv CaptureServiceServer) {
	s.RegisterService(&CaptureService_ServiceDesc, srv)
}

func _CaptureService_RegisterCapture_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CaptureRegistration)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CaptureServiceServer).RegisterCapture(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/captrace.CaptureService/RegisterCapture",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CaptureServiceServer).RegisterCapture(ctx, req.(*CaptureRegistration))
	}
	return interceptor(ctx, in, info, handler)
}

func _CaptureService_StreamCaptureEvents_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(CaptureServiceServer).StreamCaptureEvents(&captureServiceStreamCaptureEventsServer{stream})
}

// CaptureService_StreamCaptureEventsServer is the server side of the
// StreamCaptureEvents bidirectional stream.
type CaptureService_StreamCaptureEventsServer interface {
	Send(*CaptureAck) error
	Recv() (*CaptureEventEnvelope, error)
	grpc.ServerStream
}

type captureServiceStreamCaptureEventsServer struct {
	grpc.ServerStream
}

func (x *captureServiceStreamCaptureEventsServer) Send(m *CaptureAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *captureServiceStreamCaptureEventsServer) Recv() (*CaptureEventEnvelope, error) {
	m := new(CaptureEventEnvelope)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CaptureService_ServiceDesc is the grpc.ServiceDesc for the CaptureService.
// It is public so that a caller can pass it to grpc.Server.RegisterService
// directly if needed.
var CaptureService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: CaptureService_ServiceFullName,
	HandlerType: (*CaptureServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterCapture",
			Handler:    _CaptureService_RegisterCapture_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamCaptureEvents",
			Handler:       _CaptureService_StreamCaptureEvents_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/capture.proto",
}
