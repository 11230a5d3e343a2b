package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"biolog/pipeline"
	"biolog/storage/store"
)

// fakeSink fails the first failures deliveries with err, then succeeds.
type fakeSink struct {
	name     string
	failures int
	err      error
	block    bool // wait for ctx instead of returning

	mu        sync.Mutex
	calls     int
	delivered []Delivery
	closed    bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Deliver(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= s.failures {
		if s.err != nil {
			return s.err
		}
		return errors.New("destination unavailable")
	}
	s.mu.Lock()
	s.delivered = append(s.delivered, d)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSink) Delivered() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.delivered...)
}

type fakeDeadLetters struct {
	err error

	mu      sync.Mutex
	letters []store.DeadLetter
}

func (f *fakeDeadLetters) WriteDeadLetter(_ context.Context, dl store.DeadLetter) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.letters = append(f.letters, dl)
	f.mu.Unlock()
	return nil
}

func (f *fakeDeadLetters) Close() error { return nil }

func (f *fakeDeadLetters) Letters() []store.DeadLetter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.DeadLetter(nil), f.letters...)
}

type fakeRecordStore struct {
	mu       sync.Mutex
	inserted map[string][]store.RoutedRecord
	purges   []time.Time
	purged   int64
}

func (f *fakeRecordStore) InsertRecord(_ context.Context, table string, rec store.RoutedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inserted == nil {
		f.inserted = make(map[string][]store.RoutedRecord)
	}
	f.inserted[table] = append(f.inserted[table], rec)
	return nil
}

func (f *fakeRecordStore) PurgeOlderThan(_ context.Context, _, _ string, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges = append(f.purges, cutoff)
	return f.purged, nil
}

var (
	centralSecurity = pipeline.DestinationSpec{Name: "central-security", Kind: pipeline.KindKafka, Tier: pipeline.TierAnalytics, RetentionDays: 90}
	clinicalStore   = pipeline.DestinationSpec{Name: "clinical-store", Kind: pipeline.KindPostgres, Tier: pipeline.TierSpecializedDomain, RetentionDays: 9125, PHISensitive: true}
	basicArchive    = pipeline.DestinationSpec{Name: "basic-archive", Kind: pipeline.KindArchive, Tier: pipeline.TierBasic, RetentionDays: 30}
)

func maskedCTMSRecord() pipeline.LogRecord {
	rec := pipeline.NewLogRecord("rec-1", pipeline.CTMS, "subject ssn=123-45-6789 access denied", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rec.MaskedPayload = "subject ssn=[SSN-REDACTED] access denied"
	rec.Masked = true
	rec.Tags = pipeline.NewTagSet(pipeline.TagSecurityRelevant)
	rec.ExtractedFields["subject"] = "[SSN-REDACTED]"
	rec.Metadata["integrity_hash"] = "abc"
	return rec
}
