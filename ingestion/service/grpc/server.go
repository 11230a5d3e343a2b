package grpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	core "biolog/ingestion/service/core"
)

const channelGRPC = "grpc"

// Server implements the RecordIngestionServer interface
type Server struct {
	svc    core.Submitter
	logger *zap.Logger
}

// NewServer creates a new gRPC Server instance
func NewServer(s core.Submitter, l *zap.Logger) *Server {
	return &Server{svc: s, logger: l}
}

// SubmitRecord implements the SubmitRecord method of the gRPC interface
func (s *Server) SubmitRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }

	// 1. Convert request to Service layer input structure
	input := &core.RecordInput{
		SourceSystem:      str("source_system"),
		RawPayload:        str("raw_payload"),
		ClientPayloadHash: str("client_payload_hash"),
		Channel:           channelGRPC,
	}
	if raw := str("timestamp"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "timestamp must be RFC3339: %v", err)
		}
		input.Timestamp = &ts
	}

	// 2. Call core Service layer processing logic
	result, err := s.svc.SubmitRecord(ctx, input)
	if err != nil {
		switch {
		case core.IsRejection(err):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, core.ErrOverloaded):
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		default:
			s.logger.Error("gRPC Server: Service layer error", zap.Error(err))
			return nil, status.Error(codes.Internal, "failed to process record submission")
		}
	}

	// 3. Convert Service layer result to response
	resp, err := structpb.NewStruct(map[string]interface{}{
		"request_id":         result.RequestID,
		"source_system":      string(result.SourceSystem),
		"payload_hash":       result.PayloadHash,
		"received_timestamp": result.ReceivedTimestamp.Format(time.RFC3339Nano),
		"status":             "ACCEPTED",
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// Ensure Server implements the interface (compile-time check)
var _ RecordIngestionServer = (*Server)(nil)
