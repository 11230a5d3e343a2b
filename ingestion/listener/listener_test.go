package listener

import (
	"context"
	"sync"
	"time"

	core "biolog/ingestion/service/core"
)

// recordingSubmitter keeps every input it receives
type recordingSubmitter struct {
	mu     sync.Mutex
	inputs []*core.RecordInput
	errs   []error // returned in order, then nil
}

func (s *recordingSubmitter) SubmitRecord(_ context.Context, in *core.RecordInput) (*core.RecordResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	s.inputs = append(s.inputs, in)
	return &core.RecordResult{RequestID: "req", ReceivedTimestamp: time.Now()}, nil
}

func (s *recordingSubmitter) received() []*core.RecordInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.RecordInput, len(s.inputs))
	copy(out, s.inputs)
	return out
}
