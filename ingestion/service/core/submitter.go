package service

import "context"

// Submitter is what transports need from the ingestion service
type Submitter interface {
	SubmitRecord(ctx context.Context, input *RecordInput) (*RecordResult, error)
}

var _ Submitter = (*Service)(nil)
