package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The ingestion service exchanges google.protobuf.Struct messages so that no
// generated code is needed on either side.
const (
	ServiceName        = "biolog.ingestion.v1.RecordIngestion"
	submitRecordName   = "SubmitRecord"
	SubmitRecordMethod = "/" + ServiceName + "/" + submitRecordName
)

// RecordIngestionServer is the server API for the RecordIngestion service
type RecordIngestionServer interface {
	SubmitRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterRecordIngestionServer registers srv on s
func RegisterRecordIngestionServer(s grpc.ServiceRegistrar, srv RecordIngestionServer) {
	s.RegisterService(&recordIngestionServiceDesc, srv)
}

func submitRecordHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecordIngestionServer).SubmitRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SubmitRecordMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RecordIngestionServer).SubmitRecord(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var recordIngestionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecordIngestionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: submitRecordName,
			Handler:    submitRecordHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "biolog/ingestion/v1/record_ingestion",
}

// SubmitRecord is the client call for the RecordIngestion service
func SubmitRecord(ctx context.Context, cc grpc.ClientConnInterface, fields map[string]interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, SubmitRecordMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
